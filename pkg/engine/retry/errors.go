// Package retry classifies server-side failures and drives agent-side backoff.
package retry

import (
	"fmt"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// Kind is the server failure classification.
type Kind int

const (
	// Unclassified failures carry no retry guidance.
	Unclassified Kind = iota
	// BadRequest failures must not be retried as-is; the request needs correcting.
	BadRequest
	// Unavailable failures mean the server is overloaded; retry later.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad-request"
	case Unavailable:
		return "unavailable"
	default:
		return "unclassified"
	}
}

// ServerError is a classified failure scoped to a single message.
type ServerError struct {
	Kind    Kind
	Message string
	// RetryAfter is the server supplied minimum delay. Only meaningful for Unavailable.
	RetryAfter time.Duration
}

func (e *ServerError) Error() string {
	if e.Kind == Unavailable && e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Kind, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the message may be sent again unchanged.
func (e *ServerError) Retryable() bool {
	return e.Kind == Unavailable
}

// NewUnavailableError creates an error for transient failures (e.g. storage errors
// or overload). The agent should retry later, no sooner than retryAfter.
func NewUnavailableError(msg string, retryAfter time.Duration) *ServerError {
	return &ServerError{Kind: Unavailable, Message: msg, RetryAfter: retryAfter}
}

// NewBadRequestError creates an error for malformed or invalid messages.
// The agent should not retry.
func NewBadRequestError(msg string) *ServerError {
	return &ServerError{Kind: BadRequest, Message: msg}
}

func NewUnclassifiedError(msg string) *ServerError {
	return &ServerError{Kind: Unclassified, Message: msg}
}

// Classify converts a wire error response into a ServerError. Retry timing is
// only kept for the Unavailable class.
func Classify(resp *protobufs.ServerErrorResponse) *ServerError {
	if resp == nil {
		return nil
	}
	e := &ServerError{Message: resp.GetErrorMessage()}
	switch resp.GetType() {
	case protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest:
		e.Kind = BadRequest
	case protobufs.ServerErrorResponseType_ServerErrorResponseType_Unavailable:
		e.Kind = Unavailable
		if ri := resp.GetRetryInfo(); ri != nil {
			e.RetryAfter = time.Duration(ri.GetRetryAfterNanoseconds())
		}
	default:
		e.Kind = Unclassified
	}
	return e
}

// ToProto is the inverse of Classify.
func (e *ServerError) ToProto() *protobufs.ServerErrorResponse {
	resp := &protobufs.ServerErrorResponse{
		ErrorMessage: e.Message,
	}
	switch e.Kind {
	case BadRequest:
		resp.Type = protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest
	case Unavailable:
		resp.Type = protobufs.ServerErrorResponseType_ServerErrorResponseType_Unavailable
		if e.RetryAfter > 0 {
			resp.Details = &protobufs.ServerErrorResponse_RetryInfo{
				RetryInfo: &protobufs.RetryInfo{
					RetryAfterNanoseconds: uint64(e.RetryAfter),
				},
			}
		}
	default:
		resp.Type = protobufs.ServerErrorResponseType_ServerErrorResponseType_Unknown
	}
	return resp
}
