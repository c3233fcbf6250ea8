// Package discovery implements probe broadcasting, probe handling and the
// neighbor staleness sweep.
package discovery

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/neighbor"
)

// ChangeFunc is called for every neighbor state change, including sweeps.
type ChangeFunc func(ctx context.Context, tr neighbor.Transition, now time.Time)

type seenKey struct {
	sender protocol.AgentID
	seq    uint64
}

// Options configures an Engine. Zero values are replaced with no-ops.
type Options struct {
	Observer protocol.Observer
	OnChange ChangeFunc
	Rand     *rand.Rand
	Logger   logging.Logger
}

// Engine is one agent's discovery engine. It is driven by the agent, one
// event at a time, and is not safe for concurrent use.
type Engine struct {
	self  protocol.AgentID
	cfg   protocol.Config
	table *neighbor.Table
	out   protocol.Outbox

	obs      protocol.Observer
	onChange ChangeFunc
	rng      *rand.Rand
	log      logging.Logger

	// seen remembers recent (sender, seq) pairs; capacity bounds memory.
	seen *ttlcache.Cache[seenKey, struct{}]

	broadcasting bool
	active       bool
	nextProbe    time.Time
	nextSweep    time.Time

	probesSent  uint64
	repliesSent uint64
	duplicates  uint64
}

// New builds an engine writing to table and sending through out.
func New(self protocol.AgentID, cfg protocol.Config, table *neighbor.Table, out protocol.Outbox, opts Options) *Engine {
	if opts.Observer == nil {
		opts.Observer = protocol.NopObserver{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(0, uint64(self)))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Engine{
		self:     self,
		cfg:      cfg,
		table:    table,
		out:      out,
		obs:      opts.Observer,
		onChange: opts.OnChange,
		rng:      opts.Rand,
		log:      opts.Logger,
		seen: ttlcache.New[seenKey, struct{}](
			ttlcache.WithCapacity[seenKey, struct{}](uint64(cfg.DuplicateWindow)),
			ttlcache.WithDisableTouchOnHit[seenKey, struct{}](),
		),
	}
}

// Start begins periodic probing. The first probe goes out after a random
// offset within the jitter window.
func (e *Engine) Start(ctx context.Context, now time.Time) {
	e.active = true
	e.broadcasting = true
	e.nextProbe = now.Add(e.jitter())
	e.nextSweep = now.Add(e.cfg.SweepInterval)
	e.log.Debug(ctx, "discovery started", logging.Any("first_probe_at", e.nextProbe))
}

// Stop ends broadcasting. Stray probes are still answered and the sweep
// keeps running.
func (e *Engine) Stop(ctx context.Context, now time.Time) {
	e.broadcasting = false
	e.log.Debug(ctx, "discovery broadcasting stopped", logging.Int("neighbors", e.table.Len()))
}

// Halt stops all discovery activity.
func (e *Engine) Halt(ctx context.Context, now time.Time) {
	e.broadcasting = false
	e.active = false
	e.seen.DeleteAll()
}

// Broadcasting reports whether periodic probes are being sent.
func (e *Engine) Broadcasting() bool { return e.broadcasting }

// Tick sends a probe and runs the staleness sweep when due.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if e.broadcasting && !now.Before(e.nextProbe) {
		e.out.Send(ctx, protocol.Broadcast(protocol.KindProbe))
		e.probesSent++
		e.nextProbe = now.Add(e.cfg.BroadcastInterval + e.jitter())
	}
	if e.active && !now.Before(e.nextSweep) {
		e.Sweep(ctx, now)
		e.nextSweep = now.Add(e.cfg.SweepInterval)
	}
}

// Sweep ages the neighbor table immediately.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	for _, tr := range e.table.Sweep(now, e.cfg.StalenessTimeout, e.cfg.EvictionGrace) {
		e.notify(ctx, tr, now)
	}
}

// NextDeadline returns when Tick next has work to do.
func (e *Engine) NextDeadline() (time.Time, bool) {
	if !e.active {
		return time.Time{}, false
	}
	if e.broadcasting && e.nextProbe.Before(e.nextSweep) {
		return e.nextProbe, true
	}
	return e.nextSweep, true
}

// OnMessage handles a Probe or ProbeReply addressed to this agent.
// Duplicates only refresh LastSeenAt and are reported as anomalies.
func (e *Engine) OnMessage(ctx context.Context, msg protocol.Message, now time.Time) neighbor.Transition {
	none := neighbor.Transition{Peer: msg.Sender, From: e.table.State(msg.Sender), To: e.table.State(msg.Sender)}
	if !e.active {
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnexpectedMessage, msg, now, "discovery inactive"))
		return none
	}
	if msg.Sender == e.self {
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyImplausibleSender, msg, now, "own message"))
		return none
	}

	key := seenKey{sender: msg.Sender, seq: msg.Seq}
	if e.seen.Has(key) {
		e.table.Touch(msg.Sender, now)
		e.duplicates++
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyDuplicateSeq, msg, now, ""))
		return none
	}
	e.seen.Set(key, struct{}{}, ttlcache.NoTTL)

	tr := e.table.Observe(msg.Sender, now)
	if tr.From != tr.To {
		e.notify(ctx, tr, now)
	}

	if msg.Kind == protocol.KindProbe {
		e.out.Send(ctx, protocol.Unicast(protocol.KindProbeReply, msg.Sender))
		e.repliesSent++
	}
	return tr
}

// Stats are cumulative engine counters.
type Stats struct {
	ProbesSent  uint64 `json:"probes_sent"`
	RepliesSent uint64 `json:"replies_sent"`
	Duplicates  uint64 `json:"duplicates"`
}

// Stats returns cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{ProbesSent: e.probesSent, RepliesSent: e.repliesSent, Duplicates: e.duplicates}
}

func (e *Engine) notify(ctx context.Context, tr neighbor.Transition, now time.Time) {
	e.obs.NeighborChanged(ctx, e.self, tr.Peer, tr.From, tr.To, now)
	if e.onChange != nil {
		e.onChange(ctx, tr, now)
	}
}

func (e *Engine) anomaly(ctx context.Context, a protocol.Anomaly) {
	e.log.Debug(ctx, "discovery anomaly", logging.String("anomaly", string(a.Kind)), logging.String("detail", a.Error()))
	e.obs.Anomaly(ctx, e.self, a)
}

func (e *Engine) jitter() time.Duration {
	if e.cfg.BroadcastJitterWindow <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int64N(int64(e.cfg.BroadcastJitterWindow)))
}
