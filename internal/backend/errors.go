package backend

import "fmt"

// AuthenticationError reports that the backend rejected the caller's token.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "the user is not authorized to call this endpoint"
}

// ServerError reports a backend-side failure. TraceID is the backend trace
// identifier so support can correlate the incident without leaking internals
// to the user.
type ServerError struct {
	TraceID string
}

func (e *ServerError) Error() string {
	if e.TraceID == "" {
		return "the backend failed to process the request"
	}
	return fmt.Sprintf("the backend failed to process the request (trace %s)", e.TraceID)
}

// RequestError reports any other non-2xx response with the raw body text.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Body
}
