package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/kb"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// SimulationEngine owns the physical side of a run: agent positions, their
// motion models and the connectivity derived from them.
type SimulationEngine struct {
	KB                  *kb.KnowledgeBase
	ConnectivityService *ConnectivityService

	epoch    time.Time
	mobility RandomWalkParams
	bounds   Bounds
	seed     uint64

	motion        map[protocol.AgentID]MotionModel
	tickListeners []func(time.Time, []protocol.RangeChange)
	log           logging.Logger
}

// NewSimulationEngine builds an engine with no agents.
func NewSimulationEngine(store *kb.KnowledgeBase, epoch time.Time, radioRange float64, mobility RandomWalkParams, bounds Bounds, seed uint64) *SimulationEngine {
	return &SimulationEngine{
		KB:                  store,
		ConnectivityService: NewConnectivityService(store, radioRange),
		epoch:               epoch,
		mobility:            mobility,
		bounds:              bounds,
		seed:                seed,
		motion:              make(map[protocol.AgentID]MotionModel),
		log:                 logging.Noop(),
	}
}

// SetLogger replaces the engine logger. A nil logger is ignored.
func (se *SimulationEngine) SetLogger(l logging.Logger) {
	if l != nil {
		se.log = l
	}
}

// NewSimulationEngineFromScenario populates a fresh KB from s.
func NewSimulationEngineFromScenario(s *Scenario, epoch time.Time) (*SimulationEngine, error) {
	defs, err := s.AgentDefinitions()
	if err != nil {
		return nil, err
	}
	se := NewSimulationEngine(kb.NewKnowledgeBase(), epoch, s.RadioRange, s.Mobility, s.Bounds, s.Seed)
	for _, def := range defs {
		if err := se.AddAgent(def); err != nil {
			return nil, err
		}
	}
	return se, nil
}

// AddAgent stores def and picks its motion model.
func (se *SimulationEngine) AddAgent(def *model.AgentDefinition) error {
	if err := se.KB.AddAgent(def); err != nil {
		return fmt.Errorf("add agent: %w", err)
	}
	se.motion[def.ID] = NewMotionModel(def, se.epoch, se.mobility, se.bounds, se.seed)
	return nil
}

// RegisterTickListener is called after every Step with the range changes
// it produced.
func (se *SimulationEngine) RegisterTickListener(fn func(time.Time, []protocol.RangeChange)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Step moves every agent to its position at now and re-evaluates
// connectivity. It returns the pairs that entered or left range.
func (se *SimulationEngine) Step(now time.Time) []protocol.RangeChange {
	ctx := context.Background()
	for _, id := range slices.Sorted(maps.Keys(se.motion)) {
		a := se.KB.GetAgent(id)
		if a == nil {
			se.log.Warn(ctx, "moving agent missing from knowledge base", logging.String("agent_id", id.String()))
			continue
		}
		next := *a
		se.motion[id].UpdatePosition(now, &next)
		if next.Position == a.Position {
			continue
		}
		if err := se.KB.UpdateAgentPosition(id, next.Position); err != nil {
			se.log.Warn(ctx, "position update failed",
				logging.String("agent_id", id.String()),
				logging.String("error", err.Error()),
			)
		}
	}

	changes := se.ConnectivityService.UpdateConnectivity(now)
	for _, fn := range se.tickListeners {
		fn(now, changes)
	}
	return changes
}

// Run steps from the epoch to end in increments of step and returns every
// range change, for offline inspection of a scenario's topology.
func (se *SimulationEngine) Run(step, end time.Duration) []protocol.RangeChange {
	var all []protocol.RangeChange
	for off := time.Duration(0); off <= end; off += step {
		all = append(all, se.Step(se.epoch.Add(off))...)
	}
	return all
}
