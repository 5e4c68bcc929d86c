package catalog

import "fmt"

// NetworkError covers transport failures, timeouts and non-success HTTP
// responses from the content server.
type NetworkError struct {
	Operation  string // "list_inbox" or "fetch_content"
	StatusCode int    // 0 when no response was received
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a response body cannot be parsed.
type DecodeError struct {
	Operation string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed response during %s: %v", e.Operation, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
