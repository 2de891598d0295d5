// Package gate serialises every server call the client makes. At most one
// call is in flight; a second caller is turned away, never queued.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/pefman/broadside/internal/api"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pkg/errors"
)

// ErrBusy is returned when another operation already holds the gate.
var ErrBusy = errors.New("another request is in progress")

// Indicator shows the single busy marker of the client.
type Indicator interface {
	Busy(description string)
	Idle()
}

// ServerError is what every failed operation turns into. Detail is meant
// for the user as is.
type ServerError struct {
	Status int // 0 for transport and decoding failures
	Detail string
	Err    error
}

func (e *ServerError) Error() string { return e.Detail }

func (e *ServerError) Unwrap() error { return e.Err }

// Cause lets errors.Cause from pkg/errors reach the underlying failure.
func (e *ServerError) Cause() error { return e.Err }

type Gate struct {
	flight sync.Mutex

	mu        sync.Mutex
	activity  string
	indicator Indicator
	notifier  notify.Notifier
}

func New(n notify.Notifier, ind Indicator) *Gate {
	if n == nil {
		n = notify.Discard
	}
	return &Gate{notifier: n, indicator: ind}
}

// Busy reports whether an operation is currently in flight.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activity != ""
}

// Activity is the description of the operation in flight, "" when idle.
func (g *Gate) Activity() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activity
}

// Invoke runs op while holding the gate. If the gate is taken it returns
// ErrBusy without running op. Any failure of op is converted to a
// *ServerError, reported to the notifier and returned.
func (g *Gate) Invoke(ctx context.Context, description string, op func(context.Context) error) error {
	if !g.flight.TryLock() {
		log.Printf("gate: %q refused, busy with %q", description, g.Activity())
		return ErrBusy
	}
	defer g.flight.Unlock()

	if description == "" {
		description = "working"
	}
	g.setActivity(description)
	defer g.setActivity("")

	err := op(ctx)
	if err == nil {
		return nil
	}
	se := AsServerError(err)
	log.Printf("gate: %q failed: %v", description, err)
	g.notifier.Notify(notify.Error, se.Detail)
	return se
}

func (g *Gate) setActivity(description string) {
	g.mu.Lock()
	g.activity = description
	ind := g.indicator
	g.mu.Unlock()
	if ind == nil {
		return
	}
	if description == "" {
		ind.Idle()
	} else {
		ind.Busy(description)
	}
}

// AsServerError converts any failure into a *ServerError with the best
// detail available: the body's "detail" field, then its "message" field,
// then a generic status line. Transport and decoding failures get a
// communication error detail.
func AsServerError(err error) *ServerError {
	var se *ServerError
	if errors.As(err, &se) {
		return se
	}
	var re *api.ResponseError
	if errors.As(err, &re) {
		return &ServerError{Status: re.StatusCode, Detail: detailFromBody(re), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ServerError{Detail: "request cancelled", Err: err}
	}
	return &ServerError{Detail: "communication error: " + err.Error(), Err: err}
}

func detailFromBody(re *api.ResponseError) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if len(re.Body) > 0 && json.Unmarshal(re.Body, &body) == nil {
		var s string
		if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &s) == nil && strings.TrimSpace(s) != "" {
			return s
		}
		if strings.TrimSpace(body.Message) != "" {
			return body.Message
		}
	}
	reason := http.StatusText(re.StatusCode)
	if reason == "" {
		reason = "Unknown Status"
	}
	return fmt.Sprintf("Server error %d %s", re.StatusCode, reason)
}
