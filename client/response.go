package client

import (
	"fmt"

	grailerrors "github.com/grailplatform/grail-go-sdk/errors"
	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// Response is the handle for a snapshot or range request. It resolves
// exactly once, when the server reports the request complete. Close
// releases the connection-side bookkeeping, including any recorded
// error; after Close, Get returns ErrRequestDestroyed if the result had
// not yet arrived.
type Response struct {
	conn   *Connection
	ticket uint32
	slot   *slot
}

// Get blocks until the result arrives and returns it. An error
// recorded for the request is returned without waiting.
func (r *Response) Get() (worldmodel.WorldState, error) {
	if err := r.conn.ticketError(r.ticket); err != nil {
		return nil, err
	}
	return r.slot.wait()
}

// Ready reports whether Get would return without blocking.
func (r *Response) Ready() bool {
	return r.slot.resolved()
}

// IsError reports whether an error has been recorded for this request.
func (r *Response) IsError() bool {
	return r.conn.ticketError(r.ticket) != nil
}

// Err returns the recorded error for this request, or nil.
func (r *Response) Err() error {
	return r.conn.ticketError(r.ticket)
}

// Close releases the request. The connection drops its slot queue and
// error record for the ticket. Callers that are done with a Response
// should close it; the connection otherwise carries the bookkeeping
// until it is itself closed.
func (r *Response) Close() {
	r.conn.release(r.ticket)
}

// StepResponse is the handle for a stream request. Each Next call
// delivers one WorldState in wire arrival order; the end of the stream
// is marked by one empty WorldState, after which Next fails with
// ErrStreamComplete.
type StepResponse struct {
	conn   *Connection
	ticket uint32
	cur    *slot
}

// Next blocks until the next result is available and returns it. An
// error recorded for the request is returned without waiting. Calling
// Next again after the end-of-stream state was delivered returns
// ErrStreamComplete.
func (sr *StepResponse) Next() (worldmodel.WorldState, error) {
	if err := sr.conn.ticketError(sr.ticket); err != nil {
		return nil, err
	}
	if sr.cur == nil {
		return nil, fmt.Errorf("%w (ticket %d)", grailerrors.ErrStreamComplete, sr.ticket)
	}
	ws, err := sr.cur.wait()
	if err != nil {
		sr.cur = nil
		return nil, err
	}
	sr.cur = sr.conn.advanceStream(sr.ticket)
	return ws, nil
}

// HasNext reports whether the next result has already arrived, so a
// call to Next would not block. It stays false while an error is
// pending; errors surface through IsError and Next.
func (sr *StepResponse) HasNext() bool {
	return sr.cur != nil && sr.cur.resolved() && sr.cur.err == nil
}

// IsComplete reports whether the stream has delivered everything and
// retired its ticket.
func (sr *StepResponse) IsComplete() bool {
	return sr.conn.isComplete(sr.ticket)
}

// IsError reports whether an error has been recorded for this request.
func (sr *StepResponse) IsError() bool {
	return sr.conn.ticketError(sr.ticket) != nil
}

// Err returns the recorded error for this request, or nil.
func (sr *StepResponse) Err() error {
	return sr.conn.ticketError(sr.ticket)
}

// Close releases the request, failing any slots still queued for it.
func (sr *StepResponse) Close() {
	sr.cur = nil
	sr.conn.release(sr.ticket)
}
