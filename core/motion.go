package core

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// MotionModel updates an agent's position for a given simulation time.
// Calls must use non-decreasing times.
type MotionModel interface {
	UpdatePosition(simTime time.Time, a *model.AgentDefinition)
}

// StaticMotionModel leaves the agent's position unchanged.
type StaticMotionModel struct{}

// UpdatePosition for static motion does nothing.
func (m *StaticMotionModel) UpdatePosition(time.Time, *model.AgentDefinition) {}

// RandomWalkParams configures the random-walk model.
type RandomWalkParams struct {
	MinSpeed    float64 `json:"min_speed" yaml:"min_speed"`       // m/s
	MaxSpeed    float64 `json:"max_speed" yaml:"max_speed"`       // m/s
	LegDistance float64 `json:"leg_distance" yaml:"leg_distance"` // metres per straight leg
}

// DefaultRandomWalkParams walks 15 m legs at 1–5 m/s.
func DefaultRandomWalkParams() RandomWalkParams {
	return RandomWalkParams{MinSpeed: 1, MaxSpeed: 5, LegDistance: 15}
}

// Validate checks the speed range and leg length.
func (p RandomWalkParams) Validate() error {
	if p.MinSpeed <= 0 || p.MaxSpeed < p.MinSpeed {
		return fmt.Errorf("speed range [%v, %v] is invalid", p.MinSpeed, p.MaxSpeed)
	}
	if p.LegDistance <= 0 {
		return fmt.Errorf("leg distance must be positive")
	}
	return nil
}

// RandomWalkMotionModel moves in straight legs of a fixed length. Each leg
// picks a uniform heading and a speed in [MinSpeed, MaxSpeed]; the walker
// bounces off the bounds.
type RandomWalkMotionModel struct {
	params RandomWalkParams
	bounds Bounds
	rng    *rand.Rand

	last    time.Time
	started bool
	vx, vy  float64
	legLeft float64
}

// NewRandomWalkMotionModel builds a walker drawing from rng.
func NewRandomWalkMotionModel(params RandomWalkParams, bounds Bounds, rng *rand.Rand) *RandomWalkMotionModel {
	return &RandomWalkMotionModel{params: params, bounds: bounds, rng: rng}
}

// UpdatePosition advances the walk from the previous call to simTime. The
// first call only anchors the walk at simTime.
func (m *RandomWalkMotionModel) UpdatePosition(simTime time.Time, a *model.AgentDefinition) {
	if !m.started {
		m.started = true
		m.last = simTime
		a.Position = m.bounds.Clamp(a.Position)
		m.newLeg()
		return
	}
	dt := simTime.Sub(m.last).Seconds()
	if dt <= 0 {
		return
	}
	m.last = simTime

	pos := a.Position
	for dt > 0 {
		speed := math.Hypot(m.vx, m.vy)
		step := dt
		if legTime := m.legLeft / speed; legTime <= dt {
			step = legTime
			m.legLeft = 0
		} else {
			m.legLeft -= speed * dt
		}
		pos.X += m.vx * step
		pos.Y += m.vy * step
		dt -= step

		var flipped bool
		if pos.X, flipped = reflect(pos.X, m.bounds.MinX, m.bounds.MaxX); flipped {
			m.vx = -m.vx
		}
		if pos.Y, flipped = reflect(pos.Y, m.bounds.MinY, m.bounds.MaxY); flipped {
			m.vy = -m.vy
		}
		if m.legLeft <= 0 {
			m.newLeg()
		}
	}
	a.Position = pos
}

func (m *RandomWalkMotionModel) newLeg() {
	heading := m.rng.Float64() * 2 * math.Pi
	speed := m.params.MinSpeed + m.rng.Float64()*(m.params.MaxSpeed-m.params.MinSpeed)
	m.vx = speed * math.Cos(heading)
	m.vy = speed * math.Sin(heading)
	m.legLeft = m.params.LegDistance
}

// WaypointMotionModel interpolates linearly between scripted positions.
// Before the first waypoint and after the last the agent holds still.
type WaypointMotionModel struct {
	epoch     time.Time
	waypoints []model.Waypoint
}

// NewWaypointMotionModel sorts waypoints by time offset from epoch.
func NewWaypointMotionModel(epoch time.Time, waypoints []model.Waypoint) *WaypointMotionModel {
	wps := append([]model.Waypoint(nil), waypoints...)
	sort.SliceStable(wps, func(i, j int) bool { return wps[i].At < wps[j].At })
	return &WaypointMotionModel{epoch: epoch, waypoints: wps}
}

// UpdatePosition places the agent on its scripted path at simTime.
func (m *WaypointMotionModel) UpdatePosition(simTime time.Time, a *model.AgentDefinition) {
	if len(m.waypoints) == 0 {
		return
	}
	a.Position = m.PositionAt(simTime.Sub(m.epoch))
}

// PositionAt returns the scripted position at offset off.
func (m *WaypointMotionModel) PositionAt(off time.Duration) model.Position {
	wps := m.waypoints
	i := sort.Search(len(wps), func(i int) bool { return wps[i].At > off })
	switch {
	case i == 0:
		return wps[0].Position
	case i == len(wps):
		return wps[len(wps)-1].Position
	}
	prev, next := wps[i-1], wps[i]
	f := float64(off-prev.At) / float64(next.At-prev.At)
	return lerp(prev.Position, next.Position, f)
}

// NewMotionModel chooses an appropriate MotionModel for the agent:
// waypoints when scripted, a random walk for mobile agents, otherwise static.
func NewMotionModel(a *model.AgentDefinition, epoch time.Time, params RandomWalkParams, bounds Bounds, seed uint64) MotionModel {
	switch {
	case len(a.Waypoints) > 0:
		return NewWaypointMotionModel(epoch, a.Waypoints)
	case a.Kind == model.AgentKindMobile:
		rng := rand.New(rand.NewPCG(seed, uint64(a.ID)<<1|1))
		return NewRandomWalkMotionModel(params, bounds, rng)
	default:
		return &StaticMotionModel{}
	}
}
