package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/khazad/mellon/internal"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestTranslateRequest(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Messages: []gateway.Message{
			{Role: "system", Content: "you are brief"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
			{Role: "user", Content: "bye"},
		},
		Temperature: floatPtr(0.7),
		MaxTokens:   intPtr(100),
		Stop:        json.RawMessage(`["a","b"]`),
	}

	out := translateRequest(req)
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "you are brief" {
		t.Errorf("systemInstruction = %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %d", len(out.Contents))
	}
	if out.Contents[1].Role != "model" {
		t.Errorf("assistant role mapped to %q, want model", out.Contents[1].Role)
	}
	gc := out.GenerationConfig
	if gc == nil || *gc.Temperature != 0.7 || *gc.MaxOutputTokens != 100 || len(gc.StopSequences) != 2 {
		t.Errorf("generationConfig = %+v", gc)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"candidates":[{"content":{"parts":[{"text":"Hel"},{"text":"lo"}],"role":"model"},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}
	}`)
	resp, err := translateResponse(body, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hello" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"OTHER":      "stop",
		"":           "",
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCall(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "g-key", srv.Client())
	resp, err := c.Call(context.Background(), &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
	}, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Choices[0].Message.Content != "pong" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()
	frames := "" +
		`data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/gemini-2.0-flash:streamGenerateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames))
	}))
	defer srv.Close()

	c := New(srv.URL, "g-key", srv.Client())
	ch, err := c.Stream(context.Background(), &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "hi"}},
	}, "gemini-2.0-flash")
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
	// two deltas plus trailing usage chunk
	if len(datas) != 3 {
		t.Fatalf("chunks = %d: %v", len(datas), datas)
	}
	if gjson.Get(datas[0], "choices.0.delta.content").String() != "Hel" {
		t.Errorf("first = %s", datas[0])
	}
	if gjson.Get(datas[1], "choices.0.finish_reason").String() != "stop" {
		t.Errorf("second = %s", datas[1])
	}
	if gjson.Get(datas[2], "usage.total_tokens").Int() != 3 {
		t.Errorf("usage = %s", datas[2])
	}
}
