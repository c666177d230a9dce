package optimistic

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Status int32

const (
	Pending Status = iota
	Confirmed
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

const localPrefix = "local-"

// NewLocalID returns a temporary identifier for an optimistic entry. Local
// ids live in their own namespace and never collide with server ids.
func NewLocalID() string { return localPrefix + uuid.NewString() }

// IsLocalID reports whether id was produced by NewLocalID.
func IsLocalID(id string) bool { return strings.HasPrefix(id, localPrefix) }

// Operation tracks one optimistic mutation until the network settles it.
type Operation struct {
	ID string

	mu       sync.Mutex
	status   Status
	err      error
	serverID string
	done     chan struct{}
}

func newOperation(id string) *Operation {
	return &Operation{ID: id, done: make(chan struct{})}
}

func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Err is the network error that rolled the operation back.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// ServerID is the id the server assigned, once confirmed.
func (o *Operation) ServerID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.serverID
}

// Done is closed when the operation is confirmed or rolled back.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation settles or ctx ends.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) settle(status Status, serverID string, err error) {
	o.mu.Lock()
	o.status = status
	o.serverID = serverID
	o.err = err
	o.mu.Unlock()
	close(o.done)
}
