// Package agent composes the neighbor table, phase controller, discovery
// engine and collaboration engine into one addressable participant.
package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/discovery-collab-sim/internal/events"
	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/collab"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/discovery"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/neighbor"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/phase"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// Options wires an agent to its collaborators. Scheduler and Transport are
// required.
type Options struct {
	Kind   model.AgentKind
	Epoch  time.Time
	Config protocol.Config

	Scheduler events.EventScheduler
	Transport protocol.Transport

	Observer    protocol.Observer
	Application protocol.Application
	Payload     collab.PayloadSource
	Tracer      trace.Tracer
	Logger      logging.Logger

	// Seed feeds the per-agent jitter PRNG together with the agent ID.
	Seed uint64
}

// Agent is one network participant. All entry points serialise on an
// internal mutex, so the agent processes one event at a time no matter
// which goroutine delivers it.
type Agent struct {
	mu sync.Mutex

	id    protocol.AgentID
	kind  model.AgentKind
	owner string
	cfg   protocol.Config

	sched     events.EventScheduler
	transport protocol.Transport
	obs       protocol.Observer
	log       logging.Logger

	table  *neighbor.Table
	phase  *phase.Controller
	disc   *discovery.Engine
	collab *collab.Engine

	now        time.Time
	seq        uint64
	received   uint64
	wakeID     string
	wakeAt     time.Time
	discovered []protocol.AgentID
}

// New validates cfg and builds an agent in PhaseIdle. Call Start to arm
// its first wakeup.
func New(id protocol.AgentID, opts Options) (*Agent, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("agent %s: scheduler is required", id)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("agent %s: transport is required", id)
	}
	if opts.Observer == nil {
		opts.Observer = protocol.NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}

	log := opts.Logger.With(
		logging.String("agent_id", id.String()),
		logging.String("kind", opts.Kind.String()),
	)
	a := &Agent{
		id:        id,
		kind:      opts.Kind,
		owner:     id.String(),
		cfg:       opts.Config,
		sched:     opts.Scheduler,
		transport: opts.Transport,
		obs:       opts.Observer,
		log:       log,
		table:     neighbor.New(),
		phase:     phase.New(phase.NewSchedule(opts.Epoch, opts.Config)),
	}

	out := outbox{a}
	a.collab = collab.New(id, opts.Config, a.table, out, timers{a}, collab.Options{
		Observer:    opts.Observer,
		Application: opts.Application,
		Payload:     opts.Payload,
		Tracer:      opts.Tracer,
		Logger:      log,
	})
	a.disc = discovery.New(id, opts.Config, a.table, out, discovery.Options{
		Observer: opts.Observer,
		OnChange: a.collab.OnNeighborChanged,
		Rand:     rand.New(rand.NewPCG(opts.Seed, uint64(id))),
		Logger:   log,
	})
	a.phase.OnChange(a.onPhase)
	return a, nil
}

// ID implements protocol.Receiver.
func (a *Agent) ID() protocol.AgentID { return a.id }

// Kind returns whether the agent is fixed or mobile.
func (a *Agent) Kind() model.AgentKind { return a.kind }

// Start evaluates the schedule at the scheduler's current time and arms
// the first wakeup.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.sched.Now()
	a.enterLocked(ctx, now)
	a.rearmLocked(ctx, now)
}

// OnTimerTick drives the phase controller, the discovery broadcast and
// sweep, and collaboration data, then re-arms the next wakeup.
func (a *Agent) OnTimerTick(ctx context.Context, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickLocked(ctx, now)
}

// OnMessageReceived dispatches a delivered message by tag. Misaddressed
// messages and messages whose sender does not match the transport source
// are dropped.
func (a *Agent) OnMessageReceived(ctx context.Context, msg protocol.Message, from protocol.AgentID, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enterLocked(ctx, now)
	a.received++
	a.obs.MessageReceived(ctx, a.id, msg, now)

	switch {
	case !msg.AddressedTo(a.id):
		a.anomalyLocked(ctx, protocol.NewAnomaly(protocol.AnomalyMisaddressed, msg, now, "target "+msg.Target.String()))
	case msg.Sender != from:
		a.anomalyLocked(ctx, protocol.NewAnomaly(protocol.AnomalyImplausibleSender, msg, now, "transport source "+from.String()))
	case msg.Kind.IsDiscovery():
		a.disc.OnMessage(ctx, msg, now)
	default:
		a.collab.OnMessage(ctx, msg, now)
	}
	a.rearmLocked(ctx, now)
}

// Deliver implements protocol.Receiver.
func (a *Agent) Deliver(ctx context.Context, msg protocol.Message, from protocol.AgentID, now time.Time) {
	a.OnMessageReceived(ctx, msg, from, now)
}

// OnRangeChange consumes a connectivity push event for peer.
func (a *Agent) OnRangeChange(ctx context.Context, peer protocol.AgentID, inRange bool, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enterLocked(ctx, now)
	a.table.SetInRange(peer, inRange)
	a.collab.OnRangeChange(ctx, peer, inRange, now)
	a.rearmLocked(ctx, now)
}

// Send hands an application payload to the active session with peer.
func (a *Agent) Send(ctx context.Context, peer protocol.AgentID, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.sched.Now()
	a.enterLocked(ctx, now)
	err := a.collab.Send(ctx, peer, payload)
	a.rearmLocked(ctx, now)
	return err
}

// Phase returns the current phase.
func (a *Agent) Phase() protocol.Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase.State()
}

// Snapshot is a copy of an agent's observable state.
type Snapshot struct {
	ID             protocol.AgentID
	Kind           model.AgentKind
	Phase          protocol.Phase
	Discovered     []protocol.AgentID
	Neighbors      []neighbor.Entry
	Sessions       []collab.Session
	History        []collab.Session
	LateCandidates []protocol.AgentID
	Discovery      discovery.Stats
	MessagesSent   uint64
	MessagesRecv   uint64
}

// Snapshot copies the agent's state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:             a.id,
		Kind:           a.kind,
		Phase:          a.phase.State(),
		Discovered:     append([]protocol.AgentID(nil), a.discovered...),
		Neighbors:      a.table.Snapshot(),
		Sessions:       a.collab.Sessions(),
		History:        a.collab.History(),
		LateCandidates: a.collab.LateCandidates(),
		Discovery:      a.disc.Stats(),
		MessagesSent:   a.seq,
		MessagesRecv:   a.received,
	}
}

func (a *Agent) onWake(ctx context.Context, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wakeID = ""
	a.tickLocked(ctx, now)
}

func (a *Agent) tickLocked(ctx context.Context, now time.Time) {
	a.enterLocked(ctx, now)
	a.disc.Tick(ctx, now)
	a.collab.Tick(ctx, now)
	a.rearmLocked(ctx, now)
}

// enterLocked records the event time and crosses any due phase boundary
// before the event itself is handled.
func (a *Agent) enterLocked(ctx context.Context, now time.Time) {
	if now.After(a.now) {
		a.now = now
	}
	a.phase.Advance(ctx, now)
}

// rearmLocked keeps exactly one wakeup pending, at the earliest deadline of
// the phase controller and both engines.
func (a *Agent) rearmLocked(ctx context.Context, now time.Time) {
	next, ok := a.phase.NextBoundary()
	consider := func(t time.Time, has bool) {
		if has && (!ok || t.Before(next)) {
			next, ok = t, true
		}
	}
	consider(a.disc.NextDeadline())
	consider(a.collab.NextDeadline())

	if a.wakeID != "" {
		if ok && a.wakeAt.Equal(next) {
			return
		}
		a.sched.Cancel(a.wakeID)
		a.wakeID = ""
	}
	if !ok {
		return
	}
	a.wakeAt = next
	a.wakeID = a.sched.ScheduleFor(next, a.owner, a.onWake)
}

func (a *Agent) onPhase(ctx context.Context, tr phase.Transition) {
	a.obs.PhaseChanged(ctx, a.id, tr.From, tr.To, tr.At)
	a.log.Info(ctx, "phase changed",
		logging.String("from", tr.From.String()),
		logging.String("to", tr.To.String()),
		logging.Any("at", tr.At),
	)
	switch tr.To {
	case protocol.PhaseDiscovering:
		a.disc.Start(ctx, tr.At)
	case protocol.PhaseCollaborating:
		a.disc.Stop(ctx, tr.At)
		a.discovered = a.table.Confirmed()
		a.collab.Begin(ctx, tr.At)
	case protocol.PhaseTerminated:
		a.collab.Terminate(ctx, tr.At)
		a.disc.Halt(ctx, tr.At)
	}
}

func (a *Agent) anomalyLocked(ctx context.Context, an protocol.Anomaly) {
	a.log.Debug(ctx, "dropped message", logging.String("anomaly", string(an.Kind)), logging.String("detail", an.Error()))
	a.obs.Anomaly(ctx, a.id, an)
}

// outbox stamps sender and sequence number on everything the engines send.
// It is only called with a.mu held.
type outbox struct{ a *Agent }

func (o outbox) Send(ctx context.Context, msg protocol.Message) {
	a := o.a
	a.seq++
	msg.Sender = a.id
	msg.Seq = a.seq
	a.obs.MessageSent(ctx, a.id, msg, a.now)
	a.transport.Send(ctx, a.id, msg)
}

// timers maps engine timers onto owner-tagged scheduler events.
type timers struct{ a *Agent }

func (t timers) After(at time.Time, fn protocol.TimerFunc) string {
	a := t.a
	return a.sched.ScheduleFor(at, a.owner, func(ctx context.Context, now time.Time) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.enterLocked(ctx, now)
		fn(ctx, now)
		a.rearmLocked(ctx, now)
	})
}

func (t timers) Cancel(id string) { t.a.sched.Cancel(id) }
