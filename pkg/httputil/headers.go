// Package httputil holds the small set of HTTP header constants used by
// pkg/serverclient.
package httputil

const (
	RequestHeaderContentType   = "Content-Type"
	RequestHeaderAcceptEncoding = "Accept-Encoding"

	RequestHeaderJSON = "application/json"
	RequestHeaderSSE  = "text/event-stream"

	RequestHeaderEncodingGzip = "gzip"
)
