// Package client implements the client role of the GRAIL World Model
// protocol: snapshot, range, and stream queries multiplexed over a
// single framed TCP connection, with server-assigned alias tables and
// per-request result delivery through Response and StepResponse
// handles.
package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	grailerrors "github.com/grailplatform/grail-go-sdk/errors"
	"github.com/grailplatform/grail-go-sdk/metric"
	"github.com/grailplatform/grail-go-sdk/wire"
	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

const role = "client"

// Connection is a client-role connection to a world model server. All
// methods are safe for concurrent use. A Connection owns one background
// receive goroutine while connected; queries return handles whose
// results the receive goroutine fills in as responses arrive.
type Connection struct {
	ip   string
	port uint16

	id  string
	log *slog.Logger

	// sendMu serializes every outbound frame, including the receive
	// goroutine's keep-alive replies, so writes never interleave.
	sendMu sync.Mutex
	sock   *wire.FramedSocket

	// stateMu guards everything below it.
	stateMu       sync.Mutex
	nextTicket    uint32
	slots         map[uint32][]*slot
	single        map[uint32]struct{}
	partial       map[uint32]worldmodel.WorldState
	errs          map[uint32]error
	attrAliases   map[uint32]string
	originAliases map[uint32]string

	// rxMu guards the receive goroutine's lifecycle. It is never held
	// together with sendMu while waiting for the goroutine to exit, so
	// a receive-side keep-alive reply can always finish its send.
	rxMu      sync.Mutex
	interrupt wire.Interrupt
	rxDone    chan struct{}
	closed    bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used for connection events. The default
// is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connection) {
		c.log = log
	}
}

// New creates a client connection to the world model at the given
// address. No I/O happens until Reconnect is called; query methods
// attempt a reconnect themselves when they find the socket closed.
func New(ip string, port uint16, opts ...Option) *Connection {
	c := &Connection{
		ip:            ip,
		port:          port,
		id:            uuid.NewString(),
		log:           slog.Default(),
		slots:         make(map[uint32][]*slot),
		single:        make(map[uint32]struct{}),
		partial:       make(map[uint32]worldmodel.WorldState),
		errs:          make(map[uint32]error),
		attrAliases:   make(map[uint32]string),
		originAliases: make(map[uint32]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("role", role, "conn", c.id,
		"remote", fmt.Sprintf("%s:%d", ip, port))
	return c
}

// Connected reports whether the connection currently holds an open
// socket.
func (c *Connection) Connected() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.Connected()
}

// Reconnect establishes or re-establishes the connection: it stops any
// running receive goroutine, opens a TCP socket if none is open,
// exchanges the client handshake, and restarts the receive goroutine.
// On handshake failure the socket is dropped and the connection stays
// down.
func (c *Connection) Reconnect() error {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	c.stopReceive()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sock.Connected() {
		sock, err := wire.Dial(c.ip, c.port)
		if err != nil {
			metric.Reconnects.WithLabelValues(role, "fail").Inc()
			return fmt.Errorf("%w: %w", grailerrors.ErrNotConnected, err)
		}
		c.sock = sock
	}

	if err := wire.ExchangeHandshake(c.sock, wire.MakeClientHandshake()); err != nil {
		c.log.Error("client handshake with world model failed", "error", err)
		c.sock.Close()
		c.sock = nil
		metric.Reconnects.WithLabelValues(role, "fail").Inc()
		return err
	}

	c.sock.ClearUnfinished()
	c.interrupt.Clear()
	c.rxDone = make(chan struct{})
	go c.receiveLoop(c.sock, c.rxDone)
	c.log.Debug("connected to world model")
	metric.Reconnects.WithLabelValues(role, "ok").Inc()
	return nil
}

// stopReceive interrupts the receive goroutine and waits for it to
// exit. Callers hold rxMu and must not hold sendMu.
func (c *Connection) stopReceive() {
	if c.rxDone == nil {
		return
	}
	c.interrupt.Set(wire.InterruptClose)
	<-c.rxDone
	c.rxDone = nil
	c.interrupt.Clear()
}

// Close tears the connection down: the receive goroutine is stopped,
// the socket closed, and every slot of every live request is failed.
// Handles obtained before Close keep working in the sense that their
// accessors return the teardown error.
func (c *Connection) Close() error {
	c.rxMu.Lock()
	c.stopReceive()
	c.sendMu.Lock()
	if c.sock != nil {
		c.sock.Close()
	}
	c.sendMu.Unlock()
	c.rxMu.Unlock()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for ticket, queue := range c.slots {
		for _, s := range queue {
			s.fail(grailerrors.ErrRequestDestroyed)
		}
		c.errs[ticket] = grailerrors.ErrRequestDestroyed
		delete(c.slots, ticket)
		metric.LiveTickets.Dec()
	}
	return nil
}

// CurrentSnapshot requests the present state of every URI matching the
// given pattern, restricted to the given attribute patterns. It is a
// snapshot with both time bounds left at zero.
func (c *Connection) CurrentSnapshot(uri worldmodel.URI, attributes []string) *Response {
	return c.Snapshot(worldmodel.Request{SearchURI: uri, Attributes: attributes})
}

// Snapshot requests the state of the world model at req.Stop, built
// from data at or after req.Start. The returned Response resolves once
// the server reports the request complete.
func (c *Connection) Snapshot(req worldmodel.Request) *Response {
	ticket, s := c.registerSingle()
	c.sendRequest(ticket, wire.MakeSnapshotRequest(req, ticket))
	return &Response{conn: c, ticket: ticket, slot: s}
}

// Range requests every change to matching URIs inside the interval
// [req.Start, req.Stop].
func (c *Connection) Range(req worldmodel.Request) *Response {
	ticket, s := c.registerSingle()
	c.sendRequest(ticket, wire.MakeRangeRequest(req, ticket))
	return &Response{conn: c, ticket: ticket, slot: s}
}

// Stream requests the current state of matching URIs followed by live
// updates delivered no faster than the given interval in milliseconds.
// Results arrive one WorldState at a time through the returned
// StepResponse.
func (c *Connection) Stream(uri worldmodel.URI, attributes []string, interval worldmodel.Time) *StepResponse {
	req := worldmodel.Request{SearchURI: uri, Attributes: attributes}
	ticket, s := c.registerStream()
	c.sendRequest(ticket, wire.MakeStreamRequest(req, interval, ticket))
	return &StepResponse{conn: c, ticket: ticket, cur: s}
}

// registerStream allocates a ticket and its first slot.
func (c *Connection) registerStream() (uint32, *slot) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	ticket := c.nextTicket
	c.nextTicket++
	s := newSlot()
	c.slots[ticket] = []*slot{s}
	delete(c.errs, ticket)
	metric.LiveTickets.Inc()
	return ticket, s
}

// registerSingle is registerStream plus membership in the
// single-response set, whose tickets accumulate partial results
// instead of stepping.
func (c *Connection) registerSingle() (uint32, *slot) {
	ticket, s := c.registerStream()
	c.stateMu.Lock()
	c.single[ticket] = struct{}{}
	c.stateMu.Unlock()
	return ticket, s
}

// sendRequest transmits an encoded request under the send mutex,
// reconnecting first if the socket is down. A failure to connect or
// send fails the ticket with ErrNotConnected instead of returning an
// error; the handle reports it.
func (c *Connection) sendRequest(ticket uint32, frame []byte) {
	c.sendMu.Lock()
	connected := c.sock.Connected()
	c.sendMu.Unlock()
	if !connected {
		if err := c.Reconnect(); err != nil {
			c.setError(ticket, fmt.Errorf("%w: %w", grailerrors.ErrNotConnected, err))
			return
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sock.Send(frame); err != nil {
		c.setError(ticket, fmt.Errorf("%w: %w", grailerrors.ErrNotConnected, err))
		return
	}
	metric.FramesSent.WithLabelValues(role).Inc()
}

// setError records an error for a ticket and fails the tail slot of
// its queue so a blocked reader wakes up.
func (c *Connection) setError(ticket uint32, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if queue := c.slots[ticket]; len(queue) > 0 {
		queue[len(queue)-1].fail(err)
	}
	c.errs[ticket] = err
}

// ticketError returns the recorded error for a ticket, or nil.
func (c *Connection) ticketError(ticket uint32) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.errs[ticket]
}

// isComplete reports whether no slot queue remains for the ticket.
func (c *Connection) isComplete(ticket uint32) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	_, live := c.slots[ticket]
	return !live
}

// advanceStream pops the delivered head slot of a stream and returns
// the new head, or nil when the queue is exhausted, which retires the
// ticket.
func (c *Connection) advanceStream(ticket uint32) *slot {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	queue, ok := c.slots[ticket]
	if !ok {
		return nil
	}
	queue = queue[1:]
	if len(queue) == 0 {
		delete(c.slots, ticket)
		metric.LiveTickets.Dec()
		return nil
	}
	c.slots[ticket] = queue
	return queue[0]
}

// release drops all bookkeeping for a ticket once its handle is
// closed. Unresolved slots are failed so nothing ever blocks on a
// retired ticket.
func (c *Connection) release(ticket uint32) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if queue, ok := c.slots[ticket]; ok {
		for _, s := range queue {
			s.fail(grailerrors.ErrRequestDestroyed)
		}
		delete(c.slots, ticket)
		metric.LiveTickets.Dec()
	}
	delete(c.single, ticket)
	delete(c.partial, ticket)
	delete(c.errs, ticket)
}

// receiveLoop reads frames until interrupted or the socket fails,
// dispatching each by the message id at offset four. A socket failure
// fails the tail slot of every live ticket with ErrConnectionClosed.
func (c *Connection) receiveLoop(sock *wire.FramedSocket, done chan struct{}) {
	defer close(done)
	for !c.interrupt.Triggered() {
		frame, err := sock.ReceiveNext(&c.interrupt)
		if err != nil {
			c.log.Warn("world model connection lost", "error", err)
			c.failLiveTickets()
			return
		}
		if c.interrupt.Triggered() {
			return
		}
		if len(frame) < wire.MinFrameLen {
			c.log.Warn("received broken message from world model",
				"length", len(frame), "error", grailerrors.ErrProtocol)
			continue
		}
		metric.FramesReceived.WithLabelValues(role).Inc()

		switch frame[wire.HeaderLen] {
		case wire.ClientMsgAttributeAlias:
			aliases, err := wire.DecodeAttributeAliases(frame)
			if err != nil {
				c.log.Warn("bad attribute alias message", "error", err)
				continue
			}
			c.mergeAliases(c.attrAliases, aliases)
		case wire.ClientMsgOriginAlias:
			aliases, err := wire.DecodeOriginAliases(frame)
			if err != nil {
				c.log.Warn("bad origin alias message", "error", err)
				continue
			}
			c.mergeAliases(c.originAliases, aliases)
		case wire.ClientMsgDataResponse:
			awd, ticket, err := wire.DecodeDataResponse(frame)
			if err != nil {
				c.log.Warn("bad data response", "error", err)
				continue
			}
			c.handleData(ticket, awd)
		case wire.ClientMsgRequestComplete:
			ticket, err := wire.DecodeRequestComplete(frame)
			if err != nil {
				c.log.Warn("bad request complete message", "error", err)
				continue
			}
			c.handleComplete(ticket)
		case wire.ClientMsgKeepAlive:
			// Answering promptly keeps us inside the server's timeout.
			c.sendMu.Lock()
			err := sock.Send(wire.MakeClientKeepAlive())
			c.sendMu.Unlock()
			if err != nil {
				c.log.Warn("world model connection lost", "error", err)
				c.failLiveTickets()
				return
			}
			metric.KeepAlives.WithLabelValues(role).Inc()
		default:
			c.log.Debug("ignoring unknown message", "id", frame[wire.HeaderLen])
		}
	}
}

func (c *Connection) mergeAliases(table map[uint32]string, aliases []wire.Alias) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, a := range aliases {
		table[a.ID] = a.Name
	}
}

// handleData resolves aliases and routes a data response to its
// ticket: single requests accumulate per-URI partial results, streams
// fulfill the tail slot and grow a fresh one.
func (c *Connection) handleData(ticket uint32, awd wire.AliasedWorldData) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	attrs := make([]worldmodel.Attribute, 0, len(awd.Attributes))
	for _, aa := range awd.Attributes {
		name, ok := c.attrAliases[aa.NameAlias]
		if !ok {
			c.log.Warn("data response references unknown attribute alias",
				"alias", aa.NameAlias)
		}
		origin, ok := c.originAliases[aa.OriginAlias]
		if !ok {
			c.log.Warn("data response references unknown origin alias",
				"alias", aa.OriginAlias)
		}
		attrs = append(attrs, worldmodel.Attribute{
			Name:           name,
			CreationDate:   aa.CreationDate,
			ExpirationDate: aa.ExpirationDate,
			Origin:         origin,
			Data:           aa.Data,
		})
	}

	if _, ok := c.single[ticket]; ok {
		if c.partial[ticket] == nil {
			c.partial[ticket] = make(worldmodel.WorldState)
		}
		c.partial[ticket][awd.ObjectURI] = attrs
		return
	}
	if queue, ok := c.slots[ticket]; ok {
		queue[len(queue)-1].fulfill(worldmodel.WorldState{awd.ObjectURI: attrs})
		c.slots[ticket] = append(queue, newSlot())
	}
}

// handleComplete finishes a ticket: single requests get their merged
// partial result, streams get an empty WorldState marking the end of
// the stream.
func (c *Connection) handleComplete(ticket uint32) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	queue, ok := c.slots[ticket]
	if !ok {
		return
	}
	if _, ok := c.single[ticket]; ok {
		result := c.partial[ticket]
		if result == nil {
			result = make(worldmodel.WorldState)
		}
		queue[0].fulfill(result)
		delete(c.partial, ticket)
		return
	}
	queue[len(queue)-1].fulfill(make(worldmodel.WorldState))
}

// failLiveTickets marks every live ticket with ErrConnectionClosed.
func (c *Connection) failLiveTickets() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for ticket, queue := range c.slots {
		queue[len(queue)-1].fail(grailerrors.ErrConnectionClosed)
		c.errs[ticket] = grailerrors.ErrConnectionClosed
	}
}
