package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyio/parley/pkg/event"
)

// ErrRequestTimeout is returned by Request when no matching response event
// arrives within the timeout.
var ErrRequestTimeout = errors.New("bus: request timed out")

// DefaultRequestTimeout bounds Request when the caller passes 0.
const DefaultRequestTimeout = 30 * time.Second

// Request emits a command request event carrying a fresh requestId and
// blocks until a response event with a matching data.requestId is emitted,
// the timeout elapses, or ctx is cancelled.
//
// A response with category "error" rejects the request. Request must not be
// called from inside a bus handler: the handler would block the dispatch
// loop the response needs.
func (b *Bus) Request(ctx context.Context, typ string, data event.Raw, timeout time.Duration) (event.Event, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	requestID := event.NewID()
	if data == nil {
		data = event.Raw{}
	}
	data["requestId"] = requestID

	// Buffered so the dispatch loop never blocks handing over the response.
	ch := make(chan event.Event, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	b.Emit(event.NewCommandRequest(typ, event.Context{}, data))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Category == event.CategoryError {
			return resp, fmt.Errorf("bus: request %s failed: %s", typ, errorText(resp))
		}
		return resp, nil
	case <-timer.C:
		return event.Event{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, typ, timeout)
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// resolveResponseLocked hands a response or error event to the pending
// request waiting on its requestId, if any. Called with b.mu held by the
// dispatch loop. Regular subscribers still receive the event afterwards.
func (b *Bus) resolveResponseLocked(evt event.Event) {
	if evt.Category != event.CategoryResponse && evt.Category != event.CategoryError {
		return
	}
	requestID := evt.RequestID()
	if requestID == "" {
		return
	}
	if ch, ok := b.pending[requestID]; ok {
		delete(b.pending, requestID)
		select {
		case ch <- evt:
		default:
		}
	}
}

func errorText(evt event.Event) string {
	if p, ok := evt.Data.(*event.ErrorMessagePayload); ok {
		return p.Message
	}
	if raw, ok := evt.Data.(event.Raw); ok {
		if msg, ok := raw["message"].(string); ok {
			return msg
		}
	}
	return "error response"
}
