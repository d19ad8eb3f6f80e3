package serverclient

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		bw := bufio.NewWriter(w)
		for _, f := range frames {
			fmt.Fprintf(bw, "data: %s\n", f)
			bw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func TestChatCompletionsStreamYieldsDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	out, errCh := c.ChatCompletionsStream(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})

	var got []string
	for chunk := range out {
		got = append(got, chunk)
	}
	require.NoError(t, drain(errCh))
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestChatCompletionsStreamSkipsUnparsableFrame(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`not json at all`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	out, errCh := c.ChatCompletionsStream(context.Background(), ChatRequest{})

	var got []string
	for chunk := range out {
		got = append(got, chunk)
	}
	require.NoError(t, drain(errCh))
	assert.Equal(t, []string{"ok"}, got)
}

func TestCompletionStreamTerminatesOnStopFlag(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"content":"a","stop":false}`,
		`{"content":"b","stop":true}`,
		`{"content":"c","stop":false}`,
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	out, _ := c.CompletionStream(context.Background(), CompletionRequest{Prompt: "hi"})

	var got []string
	for chunk := range out {
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEmbeddingsSortsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[3,4]},{"index":0,"embedding":[1,2]}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	vecs, err := c.Embeddings(context.Background(), EmbeddingsRequest{Input: "hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float64{1, 2}, vecs[0])
	assert.Equal(t, []float64{3, 4}, vecs[1])
}

func TestRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":0,"relevance_score":0.9}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	results, err := c.Rerank(context.Background(), RerankRequest{Query: "q", Documents: []string{"d1"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.9, results[0].RelevanceScore)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	assert.True(t, c.Health(context.Background()))
}

func TestPostJSONNonOKStatusSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.Embeddings(context.Background(), EmbeddingsRequest{Input: "x"})
	assert.Error(t, err)
}

func drain(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(time.Second):
		return nil
	}
}
