// Package sim wires agents, the transport and the physical model onto one
// virtual timeline and runs a scenario to completion.
package sim

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/discovery-collab-sim/core"
	"github.com/signalsfoundry/discovery-collab-sim/internal/agent"
	"github.com/signalsfoundry/discovery-collab-sim/internal/events"
	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/collab"
	"github.com/signalsfoundry/discovery-collab-sim/internal/transport"
	"github.com/signalsfoundry/discovery-collab-sim/kb"
	"github.com/signalsfoundry/discovery-collab-sim/timectrl"
)

// Mode selects how events due at the same instant are executed.
type Mode int

const (
	// ModeSequential runs every event on the calling goroutine.
	ModeSequential Mode = iota
	// ModeConcurrent runs each agent's events on its own mailbox goroutine.
	ModeConcurrent
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModeConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// ParseMode accepts "sequential" or "concurrent".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential", "seq":
		return ModeSequential, nil
	case "concurrent", "parallel":
		return ModeConcurrent, nil
	default:
		return ModeSequential, fmt.Errorf("%w: unknown execution mode %q", protocol.ErrInvalidConfig, s)
	}
}

// DefaultEpoch is the virtual start time used when Options.Epoch is zero.
var DefaultEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options tune a run. The zero value runs sequentially in accelerated time.
type Options struct {
	Mode  Mode
	Epoch time.Time

	// Pacing and Speed control wall-clock pacing of virtual time.
	Pacing timectrl.Mode
	Speed  float64

	Observer          protocol.Observer
	TransportObserver transport.Observer
	Tracer            trace.Tracer
	Logger            logging.Logger

	// Application, when set, builds the data sink for each agent.
	Application func(id protocol.AgentID) protocol.Application
	// Payload overrides the periodic data payload.
	Payload collab.PayloadSource

	// OnTimeAdvance is called each time the virtual clock moves.
	OnTimeAdvance func(now time.Time)
	// OnBatch is called after each due batch with its event count, the
	// number of distinct owning agents and the events still queued.
	OnBatch func(events, owners, pending int)
}

// Simulation is one configured run. It is not reusable.
type Simulation struct {
	scenario *core.Scenario
	cfg      protocol.Config
	opts     Options
	runID    string
	log      logging.Logger

	epoch time.Time
	end   time.Time
	step  time.Duration

	clock     *timectrl.TimeController
	sched     events.EventScheduler
	engine    *core.SimulationEngine
	registry  *transport.Registry
	transport *transport.InMemory
	tally     *tally

	agents []*agent.Agent
	byID   map[protocol.AgentID]*agent.Agent

	rangeChanges    int
	positionUpdates int
	ran             bool
}

// New validates the scenario and builds every component of the run.
func New(s *core.Scenario, opts Options) (*Simulation, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil scenario", protocol.ErrInvalidConfig)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	cfg, err := s.ProtocolConfig()
	if err != nil {
		return nil, err
	}
	if opts.Epoch.IsZero() {
		opts.Epoch = DefaultEpoch
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}

	runID := uuid.NewString()
	sim := &Simulation{
		scenario: s,
		cfg:      cfg,
		opts:     opts,
		runID:    runID,
		log:      opts.Logger.With(logging.String("run_id", runID), logging.String("scenario", s.Name)),
		epoch:    opts.Epoch,
		end:      opts.Epoch.Add(s.SimTime.Duration()),
		step:     s.MobilityStep.Duration(),
		tally:    newTally(),
		byID:     make(map[protocol.AgentID]*agent.Agent),
	}

	sim.clock = timectrl.NewTimeController(sim.epoch, opts.Pacing)
	if opts.Speed > 0 {
		sim.clock.Speed = opts.Speed
	}
	if opts.OnTimeAdvance != nil {
		sim.clock.AddListener(opts.OnTimeAdvance)
	}
	sim.sched = events.NewEventScheduler(sim.clock)

	sim.engine, err = core.NewSimulationEngineFromScenario(s, sim.epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidConfig, err)
	}
	sim.engine.SetLogger(sim.log)
	sim.engine.Step(sim.epoch)
	sim.engine.RegisterTickListener(func(_ time.Time, changes []protocol.RangeChange) {
		sim.rangeChanges += len(changes)
	})
	sim.engine.KB.Subscribe(func(e kb.Event) {
		if e.Type == kb.EventAgentMoved {
			sim.positionUpdates++
		}
	})

	sim.registry = transport.NewRegistry()
	sim.transport, err = transport.NewInMemory(s.TransportConfig(), sim.sched, sim.engine.ConnectivityService, sim.registry,
		transport.WithObserver(opts.TransportObserver),
		transport.WithLogger(sim.log),
	)
	if err != nil {
		return nil, err
	}

	observer := protocol.Observers(sim.tally, opts.Observer)
	for _, def := range sim.engine.KB.ListAgents() {
		var app protocol.Application
		if opts.Application != nil {
			app = opts.Application(def.ID)
		}
		a, err := agent.New(def.ID, agent.Options{
			Kind:        def.Kind,
			Epoch:       sim.epoch,
			Config:      cfg,
			Scheduler:   sim.sched,
			Transport:   sim.transport,
			Observer:    observer,
			Application: app,
			Payload:     opts.Payload,
			Tracer:      opts.Tracer,
			Logger:      sim.log,
			Seed:        s.Seed,
		})
		if err != nil {
			return nil, err
		}
		if err := sim.registry.Register(a); err != nil {
			return nil, err
		}
		sim.agents = append(sim.agents, a)
		sim.byID[def.ID] = a
	}
	return sim, nil
}

// RunID identifies this run in logs, traces and the report.
func (s *Simulation) RunID() string { return s.runID }

// Config returns the validated protocol configuration.
func (s *Simulation) Config() protocol.Config { return s.cfg }

// Agents returns the agents ordered by ID.
func (s *Simulation) Agents() []*agent.Agent { return slices.Clone(s.agents) }

// Run executes the scenario until its end time and returns the final report.
// Cancelling ctx stops the run early with ctx.Err().
func (s *Simulation) Run(ctx context.Context) (*Report, error) {
	if s.ran {
		return nil, fmt.Errorf("simulation %s already ran", s.runID)
	}
	s.ran = true

	ctx = logging.ContextWithRunID(ctx, s.runID)
	s.log.Info(ctx, "simulation starting",
		logging.String("mode", s.opts.Mode.String()),
		logging.Int("agents", len(s.agents)),
		logging.Any("sim_time", s.end.Sub(s.epoch)),
	)

	exec, stop := s.executor(ctx)
	defer stop()

	for _, a := range s.agents {
		a.Start(ctx)
	}
	s.transport.Flush(ctx)
	s.scheduleMobility(s.epoch.Add(s.step))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, ok := s.sched.NextAt()
		if !ok || next.After(s.end) {
			break
		}
		if err := s.clock.AdvanceTo(ctx, next); err != nil {
			return nil, err
		}
		for batch := s.sched.PopDue(); len(batch) > 0; batch = s.sched.PopDue() {
			exec(batch)
			s.transport.Flush(ctx)
			if s.opts.OnBatch != nil {
				s.opts.OnBatch(len(batch), countOwners(batch), s.sched.Len())
			}
		}
	}
	if err := s.clock.AdvanceTo(ctx, s.end); err != nil {
		return nil, err
	}
	if err := stop(); err != nil {
		return nil, err
	}

	report := s.report()
	s.log.Info(ctx, "simulation finished",
		logging.Int("sessions_established", report.Totals.SessionsEstablished),
		logging.Any("messages_sent", report.Transport.Sent),
		logging.Duration("elapsed", s.clock.Elapsed()),
	)
	return report, nil
}

// scheduleMobility arms the next physical step. Range changes become
// events owned by each affected agent at the same instant.
func (s *Simulation) scheduleMobility(at time.Time) {
	if at.After(s.end) {
		return
	}
	s.sched.Schedule(at, func(ctx context.Context, now time.Time) {
		for _, ch := range s.engine.Step(now) {
			s.pushRange(ch.A, ch.B, ch.InRange, now)
			s.pushRange(ch.B, ch.A, ch.InRange, now)
		}
		s.scheduleMobility(now.Add(s.step))
	})
}

func (s *Simulation) pushRange(to, peer protocol.AgentID, inRange bool, now time.Time) {
	a, ok := s.byID[to]
	if !ok {
		return
	}
	s.sched.ScheduleFor(now, to.String(), func(ctx context.Context, now time.Time) {
		a.OnRangeChange(ctx, peer, inRange, now)
	})
}

// executor returns the batch runner for the configured mode and a stop
// function that drains any worker goroutines. Global events always run
// first on the caller's goroutine; owned events keep their per-owner order.
func (s *Simulation) executor(ctx context.Context) (run func([]events.Event), stop func() error) {
	if s.opts.Mode != ModeConcurrent {
		return func(batch []events.Event) {
			globals, owners, groups := groupByOwner(batch)
			for _, ev := range globals {
				s.sched.Execute(ctx, ev)
			}
			for _, owner := range owners {
				for _, ev := range groups[owner] {
					s.sched.Execute(ctx, ev)
				}
			}
		}, func() error { return nil }
	}

	mailboxes := make(map[string]chan job, len(s.agents))
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.agents {
		mb := make(chan job)
		mailboxes[a.ID().String()] = mb
		g.Go(func() error {
			for j := range mb {
				for _, ev := range j.events {
					s.sched.Execute(gctx, ev)
				}
				j.done.Done()
			}
			return nil
		})
	}

	var once sync.Once
	var waitErr error
	stop = func() error {
		once.Do(func() {
			for _, mb := range mailboxes {
				close(mb)
			}
			waitErr = g.Wait()
		})
		return waitErr
	}

	run = func(batch []events.Event) {
		globals, owners, groups := groupByOwner(batch)
		for _, ev := range globals {
			s.sched.Execute(ctx, ev)
		}
		var wg sync.WaitGroup
		for _, owner := range owners {
			mb, ok := mailboxes[owner]
			if !ok {
				for _, ev := range groups[owner] {
					s.sched.Execute(ctx, ev)
				}
				continue
			}
			wg.Add(1)
			mb <- job{events: groups[owner], done: &wg}
		}
		wg.Wait()
	}
	return run, stop
}

type job struct {
	events []events.Event
	done   *sync.WaitGroup
}

func countOwners(batch []events.Event) int {
	seen := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		if ev.Owner != "" {
			seen[ev.Owner] = struct{}{}
		}
	}
	return len(seen)
}

// groupByOwner splits a batch into global events and per-owner groups.
// Owners are returned sorted so sequential execution is reproducible.
func groupByOwner(batch []events.Event) (globals []events.Event, owners []string, groups map[string][]events.Event) {
	groups = make(map[string][]events.Event)
	for _, ev := range batch {
		if ev.Owner == "" {
			globals = append(globals, ev)
			continue
		}
		if _, seen := groups[ev.Owner]; !seen {
			owners = append(owners, ev.Owner)
		}
		groups[ev.Owner] = append(groups[ev.Owner], ev)
	}
	slices.Sort(owners)
	return globals, owners, groups
}
