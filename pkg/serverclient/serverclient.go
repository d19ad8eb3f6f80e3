// Package serverclient implements Inference Server Pool & Process
// Supervision component L: an HTTP/SSE client for the native inference
// server's OpenAI-compatible surface. Uses a plain *http.Client with an
// injectable Transport, JSON decode with status-code branching, and
// log.Logger.Debugw call sites at every request boundary, applied to
// chat/completion SSE streaming and embeddings/rerank JSON calls.
package serverclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/httputil"
	"github.com/leptonai/nrtd/pkg/log"
)

// Client talks to one running server instance's HTTP surface.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New follows the createDefaultHTTPClient() pattern: a client is created
// once per server URL and reused; callers may inject their own Transport
// (e.g. for TLS behind a sidecar) instead of taking the default.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest mirrors the OpenAI-compatible /v1/chat/completions body,
// non-null fields only serialised onto the wire.
type ChatRequest struct {
	Messages         []Message `json:"messages"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	TopK             *int      `json:"top_k,omitempty"`
	MinP             *float64  `json:"min_p,omitempty"`
	RepeatPenalty    *float64  `json:"repeat_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Seed             *int      `json:"seed,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream"`
	Grammar          string    `json:"grammar,omitempty"`
	JSONSchema       any       `json:"json_schema,omitempty"`
	CachePrompt      bool      `json:"cache_prompt"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ChatCompletionsStream streams content deltas from /v1/chat/completions.
// The returned channel is closed when the stream terminates, either on a
// `data: [DONE]` sentinel or the connection closing. Cancelling ctx severs
// the HTTP body immediately, mid-frame if necessary.
func (c *Client) ChatCompletionsStream(ctx context.Context, req ChatRequest) (<-chan string, <-chan error) {
	req.Stream = true
	out := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		body, err := json.Marshal(req)
		if err != nil {
			errCh <- fmt.Errorf("marshal chat request: %w", err)
			return
		}

		resp, err := c.postJSON(ctx, "/v1/chat/completions", body, httputil.RequestHeaderSSE)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue // keep-alive/blank lines are not termination.
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			if payload == "" {
				continue
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				// A single unparsable frame never aborts the stream; it is
				// skipped, not fatal.
				log.Logger.Debugw("skipping unparsable SSE frame", "error", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			select {
			case out <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("read SSE stream: %w", err)
		}
	}()

	return out, errCh
}

// CompletionRequest mirrors the legacy /completion endpoint.
type CompletionRequest struct {
	Prompt   string `json:"prompt"`
	NPredict int    `json:"n_predict"`
	Stream   bool   `json:"stream"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// CompletionStream mirrors ChatCompletionsStream for /completion, which
// signals termination via a chunk's stop=true field instead of [DONE].
func (c *Client) CompletionStream(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error) {
	req.Stream = true
	out := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		body, err := json.Marshal(req)
		if err != nil {
			errCh <- fmt.Errorf("marshal completion request: %w", err)
			return
		}

		resp, err := c.postJSON(ctx, "/completion", body, httputil.RequestHeaderSSE)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var chunk completionChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				log.Logger.Debugw("skipping unparsable completion frame", "error", err)
				continue
			}

			select {
			case out <- chunk.Content:
			case <-ctx.Done():
				return
			}

			if chunk.Stop {
				return
			}
		}
	}()

	return out, errCh
}

// EmbeddingsRequest mirrors POST /v1/embeddings.
type EmbeddingsRequest struct {
	Input          any    `json:"input"` // string or []string
	EncodingFormat string `json:"encoding_format,omitempty"`
}

type embeddingsEntry struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingsEntry `json:"data"`
}

// Embeddings requires the server to have been started in Embedding mode.
// The response's data is sorted by index before being flattened to
// float64 vectors.
func (c *Client) Embeddings(ctx context.Context, req EmbeddingsRequest) ([][]float64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	resp, err := c.postJSON(ctx, "/v1/embeddings", body, httputil.RequestHeaderJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	out := make([][]float64, len(parsed.Data))
	for i, e := range parsed.Data {
		out[i] = e.Embedding
	}
	return out, nil
}

// RerankRequest mirrors POST /v1/rerank.
type RerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// RerankResult is one scored document.
type RerankResult struct {
	Index           int     `json:"index"`
	RelevanceScore  float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank requires the server to have been started in Reranking mode.
func (c *Client) Rerank(ctx context.Context, req RerankRequest) ([]RerankResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	resp, err := c.postJSON(ctx, "/v1/rerank", body, httputil.RequestHeaderJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return parsed.Results, nil
}

// Health issues a single GET against /health.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set(httputil.RequestHeaderContentType, httputil.RequestHeaderJSON)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	log.Logger.Debugw("server request", "url", req.URL.String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned status %d: %s", errdefs.ErrServerNotReady, path, resp.StatusCode, msg)
	}

	return resp, nil
}
