// Package aggregator implements the solver-to-aggregator role of the
// GRAIL protocol: persistent subscriptions to one or more aggregator
// servers that stream raw sensor samples. One background worker runs
// per configured target; all workers share the subscription list and
// deliver samples through a single user callback.
package aggregator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grailplatform/grail-go-sdk/metric"
	"github.com/grailplatform/grail-go-sdk/wire"
	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

const role = "aggregator"

// SampleCallback receives one valid sensor sample. The aggregator
// holds its callback mutex while calling, so implementations need not
// be reentrant even with several workers delivering.
type SampleCallback func(worldmodel.SampleData)

// Aggregator maintains subscriptions to a set of aggregator servers.
// Workers are spawned by the first AddRules call and keep their
// connections alive until Disconnect, retrying failed servers every
// second.
type Aggregator struct {
	targets  []worldmodel.NetTarget
	callback SampleCallback

	id    string
	log   *slog.Logger
	retry time.Duration

	// subMu guards the subscription list; cbMu is held across every
	// callback invocation.
	subMu sync.Mutex
	cbMu  sync.Mutex
	subs  []worldmodel.Subscription

	group   *errgroup.Group
	workers []*worker
}

// worker is one background connection to a single aggregator server.
// sentCount is the number of list entries already transmitted on the
// current connection; the tail beyond it is sent when the controller
// raises the add-subscriptions interrupt.
type worker struct {
	agg       *Aggregator
	target    worldmodel.NetTarget
	log       *slog.Logger
	interrupt wire.Interrupt
	sentCount int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for connection events. The default
// is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// New creates an aggregator connection set for the given targets. No
// connections are opened until rules are provided by AddRules or
// UpdateRules.
func New(targets []worldmodel.NetTarget, callback SampleCallback, opts ...Option) *Aggregator {
	a := &Aggregator{
		targets:  targets,
		callback: callback,
		id:       uuid.NewString(),
		log:      slog.Default(),
		retry:    time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("role", role, "conn", a.id)
	return a
}

// AddRules appends a subscription to the list. The first call spawns
// the workers; later calls interrupt the running workers so each
// transmits the new tail of the list exactly once.
func (a *Aggregator) AddRules(sub worldmodel.Subscription) {
	a.subMu.Lock()
	a.subs = append(a.subs, sub)
	a.subMu.Unlock()

	if len(a.workers) == 0 {
		a.spawnWorkers()
		return
	}
	for _, w := range a.workers {
		w.interrupt.Set(wire.InterruptAddSubscriptions)
	}
}

// UpdateRules replaces the entire subscription list with the single
// given subscription. The wire protocol has no unsubscribe, so the
// only way to drop the old subscriptions is to sever every connection
// and handshake again; all workers are restarted.
func (a *Aggregator) UpdateRules(sub worldmodel.Subscription) {
	a.subMu.Lock()
	a.subs = []worldmodel.Subscription{sub}
	a.subMu.Unlock()

	a.Disconnect()
	a.spawnWorkers()
}

// Disconnect interrupts every worker and waits for them to exit.
// Idempotent.
func (a *Aggregator) Disconnect() {
	if len(a.workers) == 0 {
		return
	}
	for _, w := range a.workers {
		w.interrupt.Set(wire.InterruptClose)
	}
	if err := a.group.Wait(); err != nil {
		a.log.Warn("aggregator worker exited with error", "error", err)
	}
	a.workers = nil
	a.group = nil
}

func (a *Aggregator) spawnWorkers() {
	a.group = &errgroup.Group{}
	for _, target := range a.targets {
		w := &worker{
			agg:    a,
			target: target,
			log: a.log.With("remote",
				fmt.Sprintf("%s:%d", target.IP, target.Port)),
		}
		a.workers = append(a.workers, w)
		a.group.Go(w.run)
	}
}

// run is the worker loop: connect, handshake, send the current
// subscription list, then consume samples until interrupted. Any
// failure closes the socket and retries after the backoff interval.
func (w *worker) run() error {
	bo := backoff.NewConstantBackOff(w.agg.retry)
	for w.interrupt.Reason() != wire.InterruptClose {
		sock, err := wire.Dial(w.target.IP, w.target.Port)
		if err != nil {
			w.log.Warn("error in aggregator connection", "error", err)
			w.pause(bo.NextBackOff())
			continue
		}
		if err := wire.ExchangeHandshake(sock, wire.MakeAggregatorHandshake()); err != nil {
			w.log.Warn("failure during handshake with aggregator", "error", err)
			sock.Close()
			w.pause(bo.NextBackOff())
			continue
		}
		metric.Reconnects.WithLabelValues(role, "ok").Inc()
		w.log.Debug("connected to aggregator")

		w.sentCount = 0
		if err := w.sendSubscriptions(sock); err == nil {
			w.receive(sock)
		} else {
			w.log.Warn("error sending subscription requests", "error", err)
		}
		sock.Close()
		if w.interrupt.Reason() != wire.InterruptClose {
			w.pause(bo.NextBackOff())
		}
	}
	return nil
}

// receive consumes frames until the connection fails or the close
// interrupt arrives, delivering valid samples to the callback and
// flushing newly added subscriptions when the controller asks.
func (w *worker) receive(sock *wire.FramedSocket) {
	for w.interrupt.Reason() != wire.InterruptClose {
		frame, err := sock.ReceiveNext(&w.interrupt)
		if err != nil {
			w.log.Warn("error in aggregator connection", "error", err)
			return
		}
		if len(frame) >= wire.MinFrameLen {
			metric.FramesReceived.WithLabelValues(role).Inc()
			switch frame[wire.HeaderLen] {
			case wire.AggregatorMsgSubscriptionResponse:
				// The granted rule set may differ from what was asked;
				// nothing reconciles it yet.
				if _, err := wire.DecodeSubscriptionResponse(frame); err != nil {
					w.log.Warn("bad subscription response", "error", err)
				}
			case wire.AggregatorMsgServerSample:
				sample, err := wire.DecodeServerSample(frame)
				if err != nil {
					w.log.Warn("bad server sample", "error", err)
					continue
				}
				if sample.Valid {
					w.agg.cbMu.Lock()
					w.agg.callback(sample)
					w.agg.cbMu.Unlock()
					metric.SamplesDelivered.Inc()
				}
			}
		}
		if w.interrupt.Reason() == wire.InterruptAddSubscriptions {
			if err := w.sendSubscriptions(sock); err != nil {
				w.log.Warn("error sending subscription requests", "error", err)
				return
			}
			w.interrupt.CompareAndSwap(wire.InterruptAddSubscriptions, wire.InterruptNone)
		}
	}
}

// pause sleeps between connection attempts. A close interrupt during
// the sleep is noticed by the outer loop right after.
func (w *worker) pause(d time.Duration) {
	if w.interrupt.Reason() != wire.InterruptClose {
		time.Sleep(d)
	}
}

// sendSubscriptions transmits every subscription at or after the
// worker's watermark and advances it.
func (w *worker) sendSubscriptions(sock *wire.FramedSocket) error {
	w.agg.subMu.Lock()
	pending := w.agg.subs[w.sentCount:]
	w.agg.subMu.Unlock()
	for _, sub := range pending {
		if err := sock.Send(wire.MakeSubscribeRequest(sub)); err != nil {
			return err
		}
		metric.FramesSent.WithLabelValues(role).Inc()
		w.sentCount++
	}
	return nil
}
