package tripo

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by GetStatus when the service does not know the task
var ErrNotFound = errors.New("task not found")

// APIError is a non-success answer from the generation service
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tripo api error (http %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tripo api error (http %d): %s", e.StatusCode, e.Message)
}

// newAPIError decodes an error body. The message is taken from "message",
// then "error", and falls back to a generic text naming the status code.
func newAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}

	var payload struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Code
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		case len(payload.Error) > 0 && string(payload.Error) != "null":
			var s string
			if json.Unmarshal(payload.Error, &s) == nil {
				apiErr.Message = s
			} else {
				apiErr.Message = string(payload.Error)
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("API error with status code: %d", statusCode)
	}
	return apiErr
}
