package core

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/transport"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// Seconds is a duration written as (fractional) seconds in scenario files.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// SecondsOf converts d to Seconds.
func SecondsOf(d time.Duration) Seconds { return Seconds(d.Seconds()) }

// ProtocolParams mirrors protocol.Config in file units. Phase boundaries are
// given as a start plus two durations.
type ProtocolParams struct {
	DiscoveryStart         Seconds `json:"discovery_start" yaml:"discovery_start"`
	DiscoveryDuration      Seconds `json:"discovery_duration" yaml:"discovery_duration"`
	CollaborationDuration  Seconds `json:"collaboration_duration" yaml:"collaboration_duration"`
	BroadcastInterval      Seconds `json:"broadcast_interval" yaml:"broadcast_interval"`
	BroadcastJitter        Seconds `json:"broadcast_jitter" yaml:"broadcast_jitter"`
	StalenessTimeout       Seconds `json:"staleness_timeout" yaml:"staleness_timeout"`
	EvictionGrace          Seconds `json:"eviction_grace" yaml:"eviction_grace"`
	SweepInterval          Seconds `json:"sweep_interval" yaml:"sweep_interval"`
	SessionResponseTimeout Seconds `json:"session_response_timeout" yaml:"session_response_timeout"`
	RetryCount             int     `json:"retry_count" yaml:"retry_count"`
	RetryBackoff           Seconds `json:"retry_backoff" yaml:"retry_backoff"`
	RetryStrategy          string  `json:"retry_strategy" yaml:"retry_strategy"`
	RetryReconfirmedStale  bool    `json:"retry_reconfirmed_stale" yaml:"retry_reconfirmed_stale"`
	DataInterval           Seconds `json:"data_interval" yaml:"data_interval"`
	DataPayloadSize        int     `json:"data_payload_size" yaml:"data_payload_size"`
	DuplicateWindow        int     `json:"duplicate_window" yaml:"duplicate_window"`
}

// ProtocolParamsFrom converts a protocol.Config to file units.
func ProtocolParamsFrom(c protocol.Config) ProtocolParams {
	return ProtocolParams{
		DiscoveryStart:         SecondsOf(c.DiscoveryStart),
		DiscoveryDuration:      SecondsOf(c.DiscoveryEnd - c.DiscoveryStart),
		CollaborationDuration:  SecondsOf(c.CollaborationEnd - c.DiscoveryEnd),
		BroadcastInterval:      SecondsOf(c.BroadcastInterval),
		BroadcastJitter:        SecondsOf(c.BroadcastJitterWindow),
		StalenessTimeout:       SecondsOf(c.StalenessTimeout),
		EvictionGrace:          SecondsOf(c.EvictionGrace),
		SweepInterval:          SecondsOf(c.SweepInterval),
		SessionResponseTimeout: SecondsOf(c.SessionResponseTimeout),
		RetryCount:             c.RetryCount,
		RetryBackoff:           SecondsOf(c.RetryBackoff),
		RetryStrategy:          string(c.RetryStrategy),
		RetryReconfirmedStale:  c.RetryReconfirmedStale,
		DataInterval:           SecondsOf(c.DataInterval),
		DataPayloadSize:        c.DataPayloadSize,
		DuplicateWindow:        c.DuplicateWindow,
	}
}

// Config converts the parameters to a protocol.Config. The result is not
// validated.
func (p ProtocolParams) Config() (protocol.Config, error) {
	strategy, err := protocol.ParseRetryStrategy(p.RetryStrategy)
	if err != nil {
		return protocol.Config{}, err
	}
	start := p.DiscoveryStart.Duration()
	end := start + p.DiscoveryDuration.Duration()
	return protocol.Config{
		DiscoveryStart:         start,
		DiscoveryEnd:           end,
		CollaborationEnd:       end + p.CollaborationDuration.Duration(),
		BroadcastInterval:      p.BroadcastInterval.Duration(),
		BroadcastJitterWindow:  p.BroadcastJitter.Duration(),
		StalenessTimeout:       p.StalenessTimeout.Duration(),
		EvictionGrace:          p.EvictionGrace.Duration(),
		SweepInterval:          p.SweepInterval.Duration(),
		SessionResponseTimeout: p.SessionResponseTimeout.Duration(),
		RetryCount:             p.RetryCount,
		RetryBackoff:           p.RetryBackoff.Duration(),
		RetryStrategy:          strategy,
		RetryReconfirmedStale:  p.RetryReconfirmedStale,
		DataInterval:           p.DataInterval.Duration(),
		DataPayloadSize:        p.DataPayloadSize,
		DuplicateWindow:        p.DuplicateWindow,
	}, nil
}

// TransportParams mirrors transport.Config in file units.
type TransportParams struct {
	Delay    Seconds `json:"delay" yaml:"delay"`
	Jitter   Seconds `json:"jitter" yaml:"jitter"`
	LossRate float64 `json:"loss_rate" yaml:"loss_rate"`
}

// WaypointSpec is one scripted position.
type WaypointSpec struct {
	At Seconds `json:"at" yaml:"at"`
	X  float64 `json:"x" yaml:"x"`
	Y  float64 `json:"y" yaml:"y"`
}

// AgentSpec is one agent entry in a scenario file.
type AgentSpec struct {
	ID        uint32         `json:"id" yaml:"id"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind      string         `json:"kind" yaml:"kind"`
	Position  model.Position `json:"position" yaml:"position"`
	Waypoints []WaypointSpec `json:"waypoints,omitempty" yaml:"waypoints,omitempty"`
}

// Scenario is everything needed to run one simulation.
type Scenario struct {
	Name         string           `json:"name" yaml:"name"`
	Seed         uint64           `json:"seed" yaml:"seed"`
	SimTime      Seconds          `json:"sim_time" yaml:"sim_time"`
	RadioRange   float64          `json:"radio_range" yaml:"radio_range"`
	MobilityStep Seconds          `json:"mobility_step" yaml:"mobility_step"`
	Bounds       Bounds           `json:"bounds" yaml:"bounds"`
	Mobility     RandomWalkParams `json:"mobility" yaml:"mobility"`
	Protocol     ProtocolParams   `json:"protocol" yaml:"protocol"`
	Transport    TransportParams  `json:"transport" yaml:"transport"`
	Agents       []AgentSpec      `json:"agents" yaml:"agents"`
}

// GenerateParams controls DefaultScenario.
type GenerateParams struct {
	NumFixed  int
	NumMobile int
	Distance  float64 // spacing between fixed agents, metres
	Seed      uint64
}

// DefaultGenerateParams returns 2 fixed agents 50 m apart and 4 mobile ones.
func DefaultGenerateParams() GenerateParams {
	return GenerateParams{NumFixed: 2, NumMobile: 4, Distance: 50, Seed: 1}
}

// mobileArea is where generated mobile agents start.
var mobileArea = Bounds{MaxX: 60, MaxY: 30}

// DefaultScenario generates a scenario: fixed agents in a row along the X
// axis, mobile agents placed uniformly at random in a 60x30 m area and
// random-walking in an 80x50 m field. Fixed agents take the low IDs.
func DefaultScenario(p GenerateParams) *Scenario {
	s := &Scenario{
		Name:         "generated",
		Seed:         p.Seed,
		SimTime:      100,
		RadioRange:   80,
		MobilityStep: 0.1,
		Bounds:       Bounds{MaxX: 80, MaxY: 50},
		Mobility:     DefaultRandomWalkParams(),
		Protocol:     ProtocolParamsFrom(protocol.DefaultConfig()),
		Transport:    TransportParams{Delay: 0.002},
	}
	rng := rand.New(rand.NewPCG(p.Seed, 0x706c616365))
	id := uint32(0)
	for i := 0; i < p.NumFixed; i++ {
		s.Agents = append(s.Agents, AgentSpec{
			ID:       id,
			Name:     fmt.Sprintf("fixed-%d", i),
			Kind:     model.AgentKindFixed.String(),
			Position: model.Position{X: float64(i) * p.Distance},
		})
		id++
	}
	for i := 0; i < p.NumMobile; i++ {
		s.Agents = append(s.Agents, AgentSpec{
			ID:   id,
			Name: fmt.Sprintf("mobile-%d", i),
			Kind: model.AgentKindMobile.String(),
			Position: model.Position{
				X: mobileArea.MinX + rng.Float64()*(mobileArea.MaxX-mobileArea.MinX),
				Y: mobileArea.MinY + rng.Float64()*(mobileArea.MaxY-mobileArea.MinY),
			},
		})
		id++
	}
	return s
}

// LoadScenario reads a YAML (or JSON) scenario from r. Fields missing from
// the file keep the values of DefaultScenario with no agents; unknown
// fields are an error.
func LoadScenario(r io.Reader) (*Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("LoadScenario: read failed: %w", err)
	}
	s := DefaultScenario(GenerateParams{Seed: 1})
	if err := yaml.UnmarshalWithOptions(data, s, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	return s, nil
}

// Encode writes the scenario in YAML file form.
func (s *Scenario) Encode(w io.Writer) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ProtocolConfig returns the validated protocol configuration.
func (s *Scenario) ProtocolConfig() (protocol.Config, error) {
	cfg, err := s.Protocol.Config()
	if err != nil {
		return protocol.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return protocol.Config{}, err
	}
	return cfg, nil
}

// TransportConfig returns the medium configuration seeded from the
// scenario seed.
func (s *Scenario) TransportConfig() transport.Config {
	return transport.Config{
		Delay:    s.Transport.Delay.Duration(),
		Jitter:   s.Transport.Jitter.Duration(),
		LossRate: s.Transport.LossRate,
		Seed:     s.Seed,
	}
}

// AgentDefinitions converts the agent specs to model definitions.
func (s *Scenario) AgentDefinitions() ([]*model.AgentDefinition, error) {
	out := make([]*model.AgentDefinition, 0, len(s.Agents))
	for _, spec := range s.Agents {
		kind, err := model.ParseAgentKind(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("agent %d: %w", spec.ID, err)
		}
		def := &model.AgentDefinition{
			ID:       protocol.AgentID(spec.ID),
			Name:     spec.Name,
			Kind:     kind,
			Position: spec.Position,
		}
		if def.Name == "" {
			def.Name = fmt.Sprintf("%s-%d", kind, spec.ID)
		}
		for _, wp := range spec.Waypoints {
			def.Waypoints = append(def.Waypoints, model.Waypoint{
				At:       wp.At.Duration(),
				Position: model.Position{X: wp.X, Y: wp.Y},
			})
		}
		if len(def.Waypoints) > 0 {
			def.Position = NewWaypointMotionModel(time.Time{}, def.Waypoints).PositionAt(0)
		}
		out = append(out, def)
	}
	return out, nil
}

// Validate reports every problem with the scenario. The returned error
// wraps protocol.ErrInvalidConfig.
func (s *Scenario) Validate() error {
	var problems []error
	add := func(err error) { problems = append(problems, err) }

	if s.SimTime <= 0 {
		add(fmt.Errorf("sim_time must be positive"))
	}
	if s.RadioRange <= 0 {
		add(fmt.Errorf("radio_range must be positive"))
	}
	if s.MobilityStep <= 0 {
		add(fmt.Errorf("mobility_step must be positive"))
	}
	if err := s.Bounds.Validate(); err != nil {
		add(err)
	}
	if err := s.Mobility.Validate(); err != nil {
		add(err)
	}
	if cfg, err := s.Protocol.Config(); err != nil {
		add(err)
	} else if err := cfg.Validate(); err != nil {
		add(err)
	}
	if err := s.TransportConfig().Validate(); err != nil {
		add(err)
	}
	if len(s.Agents) == 0 {
		add(fmt.Errorf("scenario has no agents"))
	}
	seen := make(map[uint32]bool, len(s.Agents))
	for _, a := range s.Agents {
		if seen[a.ID] {
			add(fmt.Errorf("duplicate agent id %d", a.ID))
		}
		seen[a.ID] = true
		if _, err := model.ParseAgentKind(a.Kind); err != nil {
			add(fmt.Errorf("agent %d: %w", a.ID, err))
		}
		for _, wp := range a.Waypoints {
			if wp.At < 0 {
				add(fmt.Errorf("agent %d: waypoint at negative time %v", a.ID, wp.At))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", protocol.ErrInvalidConfig, errors.Join(problems...))
}
