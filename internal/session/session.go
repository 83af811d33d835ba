// Package session holds the process-wide, read-after-init connection and
// identity state shared by every socket and handler (§3 "Session").
package session

import (
	"sync/atomic"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// Session is the process-wide record of who the kernel is talking to and
// how messages are signed. Everything but ExecutionCount is immutable
// after New.
type Session struct {
	ID       string
	Username string
	Key      []byte

	// execCount is incremented exactly once per successful execute_request,
	// regardless of outcome (§3 invariants).
	execCount atomic.Int64
}

// New creates a Session with a freshly generated session id.
func New(username string, key []byte) (*Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.WithMessage(err, "session.New: generating session id")
	}
	return &Session{ID: id.String(), Username: username, Key: key}, nil
}

// NextExecutionCount atomically increments and returns the new execution
// counter. Called exactly once per execute_request, success or failure.
func (s *Session) NextExecutionCount() int {
	return int(s.execCount.Add(1))
}

// ExecutionCount returns the current value of the counter without
// incrementing it.
func (s *Session) ExecutionCount() int {
	return int(s.execCount.Load())
}
