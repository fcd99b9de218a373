package adapter

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// APIError is an error response from an upstream provider. StatusCode 0
// means the request never produced an HTTP response (transport failure).
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code for retry decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an
// *APIError. The upstream "error" object is lifted when present.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := string(body)
	if e := gjson.GetBytes(body, "error.message"); e.Exists() {
		detail = e.String()
	} else if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type == gjson.String {
		detail = e.String()
	}
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: detail}
}

// TransportError wraps a transport-level failure as an *APIError with no
// status code so the pipeline treats it as retryable.
func TransportError(provider string, err error) error {
	return &APIError{Provider: provider, Body: err.Error()}
}
