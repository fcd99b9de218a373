package gateway

import (
	"errors"
	"testing"
)

func TestChatRequestValidate(t *testing.T) {
	t.Parallel()
	msgs := []Message{{Role: "user", Content: "hi"}}
	ptrF := func(v float64) *float64 { return &v }
	ptrI := func(v int) *int { return &v }

	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{"minimal", ChatRequest{Messages: msgs}, false},
		{"no messages", ChatRequest{}, true},
		{"temperature too high", ChatRequest{Messages: msgs, Temperature: ptrF(2.5)}, true},
		{"top_p out of range", ChatRequest{Messages: msgs, TopP: ptrF(1.1)}, true},
		{"max_tokens zero", ChatRequest{Messages: msgs, MaxTokens: ptrI(0)}, true},
		{"n absent", ChatRequest{Messages: msgs}, false},
		{"n explicit zero", ChatRequest{Messages: msgs, N: ptrI(0)}, true},
		{"n negative", ChatRequest{Messages: msgs, N: ptrI(-1)}, true},
		{"n one", ChatRequest{Messages: msgs, N: ptrI(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrBadRequest) {
					t.Errorf("err = %v, want ErrBadRequest", err)
				}
				return
			}
			if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}
