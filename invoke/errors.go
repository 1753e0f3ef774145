package invoke

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrCommandNotFound is returned when the provider has no handler
	// registered for the requested capability.
	ErrCommandNotFound = errors.New("invoke: command not found")

	// ErrResponseMismatch is returned when a response does not answer the
	// request that was sent.
	ErrResponseMismatch = errors.New("invoke: response does not match request")

	// ErrTooManyInFlight is returned when an endpoint's in-flight bound is
	// exhausted and the context expires before a slot frees up.
	ErrTooManyInFlight = errors.New("invoke: too many in-flight requests for endpoint")
)

// transient reports whether an RPC error is a transport-level failure worth
// retrying. Everything else, authentication and validation failures included,
// is terminal.
func transient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// mapRPC converts well-known RPC failures back into package errors.
func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.NotFound {
		return ErrCommandNotFound
	}
	return err
}
