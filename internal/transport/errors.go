package transport

import "fmt"

// ConnectError means a session could not be established at all: network,
// TLS, or credentials. A chunk that hits it before any recipient is
// processed is retryable as a whole.
type ConnectError struct {
	Op   string // "smtp" or "imap"
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError means an open session rejected an operation mid-stream.
// The failure is per-recipient; callers reopen the session and continue
// with the rest of the chunk.
type TransportError struct {
	Op  string // "send", "append", "select", "fetch", "store"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
