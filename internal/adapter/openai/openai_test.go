package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter"
)

func TestCallPassthrough(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		// route name is replaced by the concrete model
		if body["model"] != "gpt-4o" {
			t.Errorf("model = %v", body["model"])
		}
		if body["user"] != "u-1" {
			t.Errorf("user not passed through: %v", body["user"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-up","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", srv.Client())
	resp, err := c.Call(context.Background(), &gateway.ChatRequest{
		Model:    "my-route",
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
		User:     "u-1",
	}, "gpt-4o")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.ID != "chatcmpl-up" || resp.Choices[0].Message.Content != "pong" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCallTransportError(t *testing.T) {
	t.Parallel()
	c := New("http://127.0.0.1:1", "sk-test", &http.Client{})
	_, err := c.Call(context.Background(), &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
	}, "gpt-4o")

	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *adapter.APIError", err)
	}
	if apiErr.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for transport error", apiErr.StatusCode)
	}
}

func TestStreamConsumesDoneSentinel(t *testing.T) {
	t.Parallel()
	frames := "" +
		`data: {"id":"chatcmpl-up","choices":[{"delta":{"content":"He"}}]}` + "\n\n" +
		`data: {"id":"chatcmpl-up","choices":[{"delta":{"content":"y"},"finish_reason":"stop"}]}` + "\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("stream = %v, want true", body["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", srv.Client())
	ch, err := c.Stream(context.Background(), &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "hi"}},
	}, "gpt-4o")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var datas []string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		datas = append(datas, string(chunk.Data))
	}
	if !done {
		t.Fatal("no Done sentinel")
	}
	if len(datas) != 2 {
		t.Fatalf("chunks = %d, want raw frames without [DONE]", len(datas))
	}
}

func TestStreamReaderStopsWhenConsumerCancels(t *testing.T) {
	t.Parallel()
	var frames strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&frames, "data: {\"id\":\"chatcmpl-up\",\"choices\":[{\"delta\":{\"content\":\"w%d\"}}]}\n\n", i)
	}
	frames.WriteString("data: [DONE]\n\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames.String()))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(srv.URL, "sk-test", srv.Client())
	ch, err := c.Stream(ctx, &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "hi"}},
	}, "gpt-4o")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	// Take one chunk, then abandon the stream with frames still pending so
	// the reader is parked on a full channel when the context goes away.
	<-ch
	cancel()
	time.Sleep(50 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return // reader exited and closed the channel
			}
			if chunk.Err != nil {
				t.Fatalf("unexpected error chunk after cancel: %v", chunk.Err)
			}
		case <-deadline:
			t.Fatal("stream channel never closed after cancel")
		}
	}
}

func TestStreamUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", srv.Client())
	_, err := c.Stream(context.Background(), &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "hi"}},
	}, "gpt-4o")

	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *adapter.APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Body != "overloaded" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
