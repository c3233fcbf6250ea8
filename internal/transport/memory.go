// Package transport moves encoded protocol messages between registered
// agents on the virtual timeline.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/signalsfoundry/discovery-collab-sim/internal/events"
	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// Config describes the simulated medium.
type Config struct {
	// Delay is the base propagation delay applied to every delivery.
	Delay time.Duration
	// Jitter adds a deterministic offset in [0, Jitter) per delivery.
	Jitter time.Duration
	// LossRate is the probability in [0, 1] that a delivery is dropped.
	LossRate float64
	// Seed perturbs the loss and jitter draws.
	Seed uint64
}

// DefaultConfig returns a lossless medium with a 2 ms delay.
func DefaultConfig() Config {
	return Config{Delay: 2 * time.Millisecond}
}

// Validate checks the medium parameters.
func (c Config) Validate() error {
	switch {
	case c.Delay < 0:
		return fmt.Errorf("%w: transport delay must not be negative", protocol.ErrInvalidConfig)
	case c.Jitter < 0:
		return fmt.Errorf("%w: transport jitter must not be negative", protocol.ErrInvalidConfig)
	case c.LossRate < 0 || c.LossRate > 1 || math.IsNaN(c.LossRate):
		return fmt.Errorf("%w: loss rate %v outside [0, 1]", protocol.ErrInvalidConfig, c.LossRate)
	}
	return nil
}

// Observer receives per-delivery outcomes.
type Observer interface {
	Delivered(ctx context.Context, from, to protocol.AgentID, kind protocol.Kind, latency time.Duration)
	Dropped(ctx context.Context, from, to protocol.AgentID, kind protocol.Kind, reason DropReason)
}

type pending struct {
	from   protocol.AgentID
	seq    uint64
	kind   protocol.Kind
	target protocol.AgentID
	bcast  bool
	sentAt time.Time
	data   []byte
}

type pair struct{ from, to protocol.AgentID }

// InMemory is a best-effort datagram medium. Send only buffers; Flush
// resolves recipients, applies range, loss and delay, and schedules the
// deliveries as events owned by each receiver. Buffered sends are flushed
// in (sender, seq) order so the schedule does not depend on which goroutine
// sent first.
type InMemory struct {
	cfg      Config
	sched    events.EventScheduler
	oracle   protocol.ConnectivityOracle
	registry *Registry
	obs      Observer
	log      logging.Logger

	mu      sync.Mutex
	pending []pending

	// Flush is single-threaded; lastDelivery keeps per-pair FIFO.
	lastDelivery map[pair]time.Time

	Stats Stats
}

// Option configures an InMemory transport.
type Option func(*InMemory)

// WithObserver installs a delivery observer.
func WithObserver(obs Observer) Option {
	return func(t *InMemory) { t.obs = obs }
}

// WithLogger sets the transport logger.
func WithLogger(l logging.Logger) Option {
	return func(t *InMemory) {
		if l != nil {
			t.log = l
		}
	}
}

// NewInMemory builds a transport over sched. oracle decides reachability at
// send time.
func NewInMemory(cfg Config, sched events.EventScheduler, oracle protocol.ConnectivityOracle, registry *Registry, opts ...Option) (*InMemory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sched == nil || oracle == nil || registry == nil {
		return nil, fmt.Errorf("transport: scheduler, oracle and registry are required")
	}
	t := &InMemory{
		cfg:          cfg,
		sched:        sched,
		oracle:       oracle,
		registry:     registry,
		log:          logging.Noop(),
		lastDelivery: make(map[pair]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send implements protocol.Transport. Messages that fail to encode are
// counted as malformed and dropped.
func (t *InMemory) Send(ctx context.Context, from protocol.AgentID, msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		t.Stats.incDropped(DropMalformed)
		t.log.Warn(ctx, "dropping unencodable message",
			logging.String("from", from.String()),
			logging.String("error", err.Error()),
		)
		return
	}
	t.Stats.incSent()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, pending{
		from:   from,
		seq:    msg.Seq,
		kind:   msg.Kind,
		target: msg.Target,
		bcast:  msg.IsBroadcast(),
		sentAt: t.sched.Now(),
		data:   data,
	})
}

// Pending reports the number of buffered, unflushed sends.
func (t *InMemory) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush schedules deliveries for everything sent since the previous flush.
func (t *InMemory) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	slices.SortStableFunc(batch, func(a, b pending) int {
		if a.from != b.from {
			if a.from < b.from {
				return -1
			}
			return 1
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	ids := t.registry.IDs()
	for _, p := range batch {
		if !p.bcast {
			t.route(ctx, p, p.target)
			continue
		}
		for _, to := range ids {
			if to != p.from {
				t.route(ctx, p, to)
			}
		}
	}
}

func (t *InMemory) route(ctx context.Context, p pending, to protocol.AgentID) {
	if !t.oracle.InRange(p.from, to, p.sentAt) {
		t.drop(ctx, p, to, DropOutOfRange)
		return
	}
	if t.cfg.LossRate > 0 && t.draw(p, to, 0) < t.cfg.LossRate {
		t.drop(ctx, p, to, DropLoss)
		return
	}

	at := p.sentAt.Add(t.cfg.Delay)
	if t.cfg.Jitter > 0 {
		at = at.Add(time.Duration(t.draw(p, to, 1) * float64(t.cfg.Jitter)))
	}
	key := pair{p.from, to}
	if last, ok := t.lastDelivery[key]; ok && at.Before(last) {
		at = last
	}
	t.lastDelivery[key] = at

	data, from, kind, sentAt := p.data, p.from, p.kind, p.sentAt
	t.sched.ScheduleFor(at, to.String(), func(ctx context.Context, now time.Time) {
		recv, ok := t.registry.Get(to)
		if !ok {
			t.drop(ctx, pending{from: from, kind: kind}, to, DropUnknown)
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			t.drop(ctx, pending{from: from, kind: kind}, to, DropMalformed)
			return
		}
		t.Stats.incDelivered()
		if t.obs != nil {
			t.obs.Delivered(ctx, from, to, kind, now.Sub(sentAt))
		}
		recv.Deliver(ctx, msg, from, now)
	})
}

func (t *InMemory) drop(ctx context.Context, p pending, to protocol.AgentID, reason DropReason) {
	t.Stats.incDropped(reason)
	if t.obs != nil {
		t.obs.Dropped(ctx, p.from, to, p.kind, reason)
	}
}

// draw maps (seed, sender, seq, receiver, salt) to a uniform value in
// [0, 1).
func (t *InMemory) draw(p pending, to protocol.AgentID, salt byte) float64 {
	var buf [25]byte
	binary.LittleEndian.PutUint64(buf[0:], t.cfg.Seed)
	binary.LittleEndian.PutUint64(buf[8:], p.seq)
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.from))
	binary.LittleEndian.PutUint32(buf[20:], uint32(to))
	buf[24] = salt
	return float64(xxhash.Sum64(buf[:])>>11) / (1 << 53)
}
