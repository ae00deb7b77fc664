package kalshi

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthMissing means no credential is configured. The snapshot fetcher
	// degrades to unauthenticated requests; the stream refuses to connect.
	ErrAuthMissing = errors.New("kalshi: no api credential configured")

	// ErrConnectionClosed is returned when the peer or the network closes the
	// stream socket.
	ErrConnectionClosed = errors.New("kalshi: stream connection closed")

	ErrNoTickers = errors.New("kalshi: no market tickers to subscribe")
)

// TransportError wraps network, DNS, TLS and body decode failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("kalshi %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx REST response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("kalshi http %d: %s", e.Status, e.Body)
}

// Unauthorized reports whether the server rejected the credential.
func (e *HTTPError) Unauthorized() bool {
	return e.Status == 401 || e.Status == 403
}

// DecodeError is a malformed stream frame.
type DecodeError struct {
	Frame  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Frame == "" {
		return fmt.Sprintf("kalshi decode: %s", e.Reason)
	}
	return fmt.Sprintf("kalshi decode %s: %s", e.Frame, e.Reason)
}
