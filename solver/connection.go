// Package solver implements the solver-to-world role of the GRAIL
// World Model protocol: announcing the attribute types a solver
// produces, pushing attribute updates, URI lifecycle operations, and
// the on-demand tracker that gates which updates actually leave the
// process.
//
// Writes in this package are at-least-once: every user-initiated send
// retries with its backoff schedule until the world model accepts the
// bytes or the connection is closed, so a call can block indefinitely
// while the server is down.
// Callers relying on that contract include long-running solvers that
// treat a returned SendData as a delivery guarantee; do not weaken it.
package solver

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	grailerrors "github.com/grailplatform/grail-go-sdk/errors"
	"github.com/grailplatform/grail-go-sdk/metric"
	"github.com/grailplatform/grail-go-sdk/wire"
	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

const role = "solver"

// reconnectPoll is how often the tracker checks for a restored socket
// while the connection is down.
const reconnectPoll = 100 * time.Millisecond

// TypeSpec names one attribute type a solver produces. OnDemand types
// are only transmitted while at least one client has requested them.
type TypeSpec struct {
	Name     string
	OnDemand bool
}

// AttrUpdate is one attribute value to push to the world model.
type AttrUpdate struct {
	Type   string
	Time   worldmodel.Time
	Target worldmodel.URI
	Data   []byte
}

// onDemandPattern is one requested URI pattern for an on-demand type.
// Patterns that fail to compile stay in the set as invalid entries so
// a later stop request removes the matching occurrence.
type onDemandPattern struct {
	source string
	re     *regexp.Regexp
	valid  bool
}

// Connection is a solver-role connection to a world model server. All
// methods are safe for concurrent use.
type Connection struct {
	ip     string
	port   uint16
	origin string

	id  string
	log *slog.Logger

	retryFirst time.Duration
	retryRest  time.Duration

	// sendMu serializes outbound frames and the reconnect attempts
	// made on their behalf.
	sendMu sync.Mutex

	// stateMu guards the socket pointer, the type registry, and the
	// on-demand pattern sets.
	stateMu  sync.Mutex
	sock     *wire.FramedSocket
	types    []worldmodel.AliasType
	aliases  map[string]uint32
	onDemand map[uint32][]onDemandPattern

	// rxMu guards the tracker goroutine's lifecycle.
	rxMu      sync.Mutex
	interrupt wire.Interrupt
	rxDone    chan struct{}
	closed    atomic.Bool
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

// New creates a solver connection and registers its initial types.
// Aliases are assigned sequentially from one in declaration order and
// never renumbered. No I/O happens until Reconnect or the first write.
func New(ip string, port uint16, types []TypeSpec, origin string, opts ...Option) *Connection {
	c := &Connection{
		ip:         ip,
		port:       port,
		origin:     origin,
		id:         uuid.NewString(),
		log:        slog.Default(),
		retryFirst: time.Second,
		retryRest:  8 * time.Second,
		aliases:    make(map[string]uint32),
		onDemand:   make(map[uint32][]onDemandPattern),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("role", role, "conn", c.id,
		"remote", fmt.Sprintf("%s:%d", ip, port), "origin", origin)
	c.stateMu.Lock()
	c.registerTypes(types)
	c.stateMu.Unlock()
	return c
}

// registerTypes appends specs to the registry with stateMu held and
// returns the newly assigned entries. On-demand types get an empty
// pattern set immediately so gating state exists before any
// start_on_demand arrives.
func (c *Connection) registerTypes(specs []TypeSpec) []worldmodel.AliasType {
	added := make([]worldmodel.AliasType, 0, len(specs))
	for _, spec := range specs {
		at := worldmodel.AliasType{
			Alias:    uint32(len(c.types) + 1),
			Type:     spec.Name,
			OnDemand: spec.OnDemand,
		}
		c.types = append(c.types, at)
		c.aliases[at.Type] = at.Alias
		if spec.OnDemand {
			if _, ok := c.onDemand[at.Alias]; !ok {
				c.onDemand[at.Alias] = nil
			}
		}
		added = append(added, at)
	}
	return added
}

// Connected reports whether the connection currently holds an open
// socket.
func (c *Connection) Connected() bool {
	return c.currentSock().Connected()
}

func (c *Connection) currentSock() *wire.FramedSocket {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sock
}

// Reconnect opens the connection if it is down: TCP dial if needed,
// solver handshake, then a type announcement carrying the full
// registry. On success the on-demand tracker is running when the call
// returns.
func (c *Connection) Reconnect() error {
	c.sendMu.Lock()
	err := c.handshakeLocked()
	c.sendMu.Unlock()
	if err != nil {
		return err
	}
	c.ensureTracker()
	return nil
}

// handshakeLocked re-establishes the wire session with sendMu held:
// dial, handshake, announce. It does not touch the tracker goroutine,
// which follows the socket pointer on its own.
func (c *Connection) handshakeLocked() error {
	sock := c.currentSock()
	if !sock.Connected() {
		if sock != nil {
			sock.Close()
		}
		fresh, err := wire.Dial(c.ip, c.port)
		if err != nil {
			metric.Reconnects.WithLabelValues(role, "fail").Inc()
			return fmt.Errorf("%w: %w", grailerrors.ErrNotConnected, err)
		}
		sock = fresh
	}

	if err := wire.ExchangeHandshake(sock, wire.MakeSolverHandshake()); err != nil {
		c.log.Error("solver handshake with world model failed", "error", err)
		sock.Close()
		metric.Reconnects.WithLabelValues(role, "fail").Inc()
		return err
	}

	c.stateMu.Lock()
	announce := wire.MakeTypeAnnounce(c.types, c.origin)
	c.sock = sock
	c.stateMu.Unlock()

	if err := sock.Send(announce); err != nil {
		c.log.Error("problem sending type announce message", "error", err)
		metric.Reconnects.WithLabelValues(role, "fail").Inc()
		return err
	}

	sock.ClearUnfinished()
	c.log.Debug("connected to world model")
	metric.Reconnects.WithLabelValues(role, "ok").Inc()
	return nil
}

// Close shuts the connection down: the tracker goroutine is stopped
// and the socket closed. Writes blocked in their retry loop return
// without sending.
func (c *Connection) Close() error {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	c.interrupt.Set(wire.InterruptClose)
	if c.rxDone != nil {
		<-c.rxDone
		c.rxDone = nil
	}
	if sock := c.currentSock(); sock != nil {
		sock.Close()
	}
	return nil
}

// send serializes one user-initiated write: the frame is delivered
// through sendAndReconnect under the send mutex, and the tracker is
// restarted afterwards if a reconnect happened while it was down.
func (c *Connection) send(frame []byte) {
	c.sendMu.Lock()
	c.sendAndReconnect(frame)
	c.sendMu.Unlock()
	c.ensureTracker()
}

// sendAndReconnect delivers a frame, reconnecting and retrying until
// the write is accepted: the first retry follows a failure at once,
// later ones wait on the retry schedule. It only gives up when the
// connection is closed. Callers hold sendMu.
func (c *Connection) sendAndReconnect(frame []byte) {
	sched := &retrySchedule{first: c.retryFirst, rest: c.retryRest}
	op := func() error {
		if c.closed.Load() {
			return backoff.Permanent(grailerrors.ErrRequestDestroyed)
		}
		if !c.currentSock().Connected() {
			if err := c.handshakeLocked(); err != nil {
				return err
			}
		}
		if err := c.currentSock().Send(frame); err != nil {
			c.log.Warn("problem with solver world model connection", "error", err)
			return err
		}
		metric.FramesSent.WithLabelValues(role).Inc()
		return nil
	}
	if op() == nil {
		return
	}
	// backoff.Retry runs op immediately, which is the first retry.
	if err := backoff.Retry(op, sched); err != nil {
		c.log.Warn("dropping write on closed solver connection", "error", err)
	}
}

// AddTypes appends new types to the registry, assigning aliases after
// the existing ones, and announces only the new entries to the world
// model.
func (c *Connection) AddTypes(types []TypeSpec) {
	c.stateMu.Lock()
	added := c.registerTypes(types)
	c.stateMu.Unlock()
	c.send(wire.MakeTypeAnnounce(added, c.origin))
}

// SendData pushes attribute updates to the world model. Updates whose
// type was never registered are dropped. Updates of an on-demand type
// are included only when at least one requested pattern matches the
// whole target URI. The resulting solution message is sent even when
// every update was filtered out; an empty solution doubles as a
// keep-alive.
func (c *Connection) SendData(updates []AttrUpdate, createURIs bool) {
	sds := make([]wire.SolutionData, 0, len(updates))
	c.stateMu.Lock()
	for _, u := range updates {
		alias, ok := c.aliases[u.Type]
		if !ok {
			c.log.Debug("dropping update for unregistered type", "type", u.Type)
			continue
		}
		if set, gated := c.onDemand[alias]; gated && !anyFullMatch(set, u.Target) {
			continue
		}
		sds = append(sds, wire.SolutionData{
			TypeAlias: alias,
			Time:      u.Time,
			Target:    u.Target,
			Data:      u.Data,
		})
	}
	c.stateMu.Unlock()
	c.send(wire.MakeSolutionMsg(createURIs, sds))
}

// anyFullMatch reports whether any valid pattern matches uri from its
// first byte to its last. A pattern matching only a prefix or an
// interior substring does not open the gate.
func anyFullMatch(set []onDemandPattern, uri worldmodel.URI) bool {
	for _, p := range set {
		if !p.valid {
			continue
		}
		if loc := p.re.FindStringIndex(string(uri)); loc != nil && loc[0] == 0 && loc[1] == len(uri) {
			return true
		}
	}
	return false
}

// CreateURI asks the world model to create a URI with the given
// creation time, attributed to this solver's origin.
func (c *Connection) CreateURI(uri worldmodel.URI, created worldmodel.Time) {
	c.send(wire.MakeCreateURI(uri, created, c.origin))
}

// ExpireURI marks a URI expired as of the given time.
func (c *Connection) ExpireURI(uri worldmodel.URI, expires worldmodel.Time) {
	c.send(wire.MakeExpireURI(uri, expires, c.origin))
}

// DeleteURI removes a URI entirely.
func (c *Connection) DeleteURI(uri worldmodel.URI) {
	c.send(wire.MakeDeleteURI(uri, c.origin))
}

// ExpireURIAttribute marks one attribute of a URI expired as of the
// given time.
func (c *Connection) ExpireURIAttribute(uri worldmodel.URI, name string, expires worldmodel.Time) {
	c.send(wire.MakeExpireAttribute(uri, name, c.origin, expires))
}

// DeleteURIAttribute removes one attribute of a URI.
func (c *Connection) DeleteURIAttribute(uri worldmodel.URI, name string) {
	c.send(wire.MakeDeleteAttribute(uri, name, c.origin))
}

// ensureTracker starts the on-demand tracker goroutine if the
// connection is open and no tracker is running. The tracker survives
// socket swaps, so one goroutine serves the connection's whole life.
func (c *Connection) ensureTracker() {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if c.closed.Load() {
		return
	}
	if c.rxDone != nil {
		select {
		case <-c.rxDone:
			c.rxDone = nil
		default:
			return
		}
	}
	if !c.Connected() {
		return
	}
	c.rxDone = make(chan struct{})
	go c.trackOnDemands(c.rxDone)
}

// trackOnDemands is the solver's receive loop. It applies start and
// stop on-demand requests to the pattern sets, answers keep-alives,
// and ignores runt frames. While the socket is down it idles until a
// write's reconnect restores it.
func (c *Connection) trackOnDemands(done chan struct{}) {
	defer close(done)
	for !c.interrupt.Triggered() {
		sock := c.currentSock()
		if !sock.Connected() {
			time.Sleep(reconnectPoll)
			continue
		}
		frame, err := sock.ReceiveNext(&c.interrupt)
		if err != nil {
			c.log.Warn("error with solver connection", "error", err)
			continue
		}
		if c.interrupt.Triggered() {
			return
		}
		if len(frame) < wire.MinFrameLen {
			c.log.Warn("got an invalid sized message", "length", len(frame),
				"error", grailerrors.ErrProtocol)
			continue
		}
		metric.FramesReceived.WithLabelValues(role).Inc()

		switch frame[wire.HeaderLen] {
		case wire.SolverMsgStartOnDemand:
			reqs, err := wire.DecodeStartOnDemand(frame)
			if err != nil {
				c.log.Warn("bad start on-demand message", "error", err)
				continue
			}
			c.startOnDemand(reqs)
		case wire.SolverMsgStopOnDemand:
			reqs, err := wire.DecodeStopOnDemand(frame)
			if err != nil {
				c.log.Warn("bad stop on-demand message", "error", err)
				continue
			}
			c.stopOnDemand(reqs)
		case wire.SolverMsgKeepAlive:
			// Answering promptly keeps us inside the server's timeout.
			c.sendMu.Lock()
			c.sendAndReconnect(wire.MakeSolverKeepAlive())
			c.sendMu.Unlock()
			metric.KeepAlives.WithLabelValues(role).Inc()
		default:
			c.log.Debug("ignoring unknown message", "id", frame[wire.HeaderLen])
		}
	}
}

// startOnDemand records requested URI patterns. Each pattern is one
// occurrence in its type's set, so identical patterns from distinct
// requesters are counted independently. A pattern that fails to
// compile is kept as an invalid occurrence.
func (c *Connection) startOnDemand(reqs []wire.OnDemandRequest) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, req := range reqs {
		for _, source := range req.Patterns {
			entry := onDemandPattern{source: source}
			re, err := regexp.CompilePOSIX(source)
			if err != nil {
				c.log.Warn("error compiling on-demand pattern",
					"pattern", source, "type", req.TypeAlias,
					"error", fmt.Errorf("%w: %w", grailerrors.ErrRegexCompile, err))
			} else {
				entry.re = re
				entry.valid = true
			}
			c.log.Debug("enabling on-demand", "type", req.TypeAlias, "pattern", source)
			c.onDemand[req.TypeAlias] = append(c.onDemand[req.TypeAlias], entry)
		}
	}
}

// stopOnDemand removes one occurrence per named pattern. Stopping a
// pattern that is not in the set is a no-op.
func (c *Connection) stopOnDemand(reqs []wire.OnDemandRequest) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, req := range reqs {
		set, ok := c.onDemand[req.TypeAlias]
		if !ok {
			continue
		}
		for _, source := range req.Patterns {
			c.log.Debug("disabling on-demand", "type", req.TypeAlias, "pattern", source)
			for i, entry := range set {
				if entry.source == source {
					set = append(set[:i], set[i+1:]...)
					break
				}
			}
		}
		c.onDemand[req.TypeAlias] = set
	}
}
