package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

const scenarioYAML = `
name: crossing
seed: 9
sim_time: 60
radio_range: 40
protocol:
  discovery_start: 1
  discovery_duration: 10
  collaboration_duration: 30
  retry_count: 2
  retry_strategy: exponential
transport:
  delay: 0.005
agents:
  - id: 0
    kind: fixed
    position: {x: 0, y: 0}
  - id: 1
    kind: mobile
    waypoints:
      - {at: 0, x: 10, y: 0}
      - {at: 20, x: 100, y: 0}
`

func TestLoadScenario_YAML(t *testing.T) {
	s, err := LoadScenario(strings.NewReader(scenarioYAML))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Name != "crossing" || s.Seed != 9 || s.RadioRange != 40 {
		t.Fatalf("top-level fields not decoded: %#v", s)
	}
	// Unset fields keep their defaults.
	if s.MobilityStep != 0.1 || s.Bounds.MaxX != 80 {
		t.Fatalf("defaults lost: step=%v bounds=%#v", s.MobilityStep, s.Bounds)
	}

	cfg, err := s.ProtocolConfig()
	if err != nil {
		t.Fatalf("ProtocolConfig: %v", err)
	}
	if cfg.DiscoveryStart != time.Second || cfg.DiscoveryEnd != 11*time.Second || cfg.CollaborationEnd != 41*time.Second {
		t.Fatalf("boundaries = %v %v %v", cfg.DiscoveryStart, cfg.DiscoveryEnd, cfg.CollaborationEnd)
	}
	if cfg.RetryCount != 2 || cfg.RetryStrategy != protocol.RetryExponential {
		t.Fatalf("retry policy = %d %q", cfg.RetryCount, cfg.RetryStrategy)
	}
	if cfg.BroadcastInterval != protocol.DefaultConfig().BroadcastInterval {
		t.Fatalf("broadcast interval default lost: %v", cfg.BroadcastInterval)
	}
	if tc := s.TransportConfig(); tc.Delay != 5*time.Millisecond || tc.Seed != 9 {
		t.Fatalf("transport config = %#v", tc)
	}

	defs, err := s.AgentDefinitions()
	if err != nil {
		t.Fatalf("AgentDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d agents, want 2", len(defs))
	}
	if defs[1].Kind != model.AgentKindMobile || len(defs[1].Waypoints) != 2 {
		t.Fatalf("mobile agent = %#v", defs[1])
	}
	if defs[1].Position != (model.Position{X: 10}) {
		t.Fatalf("scripted agent should start at its first waypoint, got %#v", defs[1].Position)
	}
	if defs[0].Name != "fixed-0" {
		t.Fatalf("default name = %q", defs[0].Name)
	}
}

func TestLoadScenario_JSON(t *testing.T) {
	s, err := LoadScenario(strings.NewReader(`{"name": "j", "agents": [{"id": 3, "kind": "mobile"}]}`))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if len(s.Agents) != 1 || s.Agents[0].ID != 3 {
		t.Fatalf("agents = %#v", s.Agents)
	}
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	if _, err := LoadScenario(strings.NewReader("name: x\nradio_rnage: 10\n")); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestScenarioValidate(t *testing.T) {
	cases := map[string]func(*Scenario){
		"no agents":         func(s *Scenario) { s.Agents = nil },
		"duplicate id":      func(s *Scenario) { s.Agents[1].ID = s.Agents[0].ID },
		"bad kind":          func(s *Scenario) { s.Agents[0].Kind = "flying" },
		"zero range":        func(s *Scenario) { s.RadioRange = 0 },
		"zero sim time":     func(s *Scenario) { s.SimTime = 0 },
		"inverted phases":   func(s *Scenario) { s.Protocol.DiscoveryDuration = 0 },
		"unknown strategy":  func(s *Scenario) { s.Protocol.RetryStrategy = "fibonacci" },
		"loss above one":    func(s *Scenario) { s.Transport.LossRate = 2 },
		"bad speed range":   func(s *Scenario) { s.Mobility.MaxSpeed = 0 },
		"negative waypoint": func(s *Scenario) { s.Agents[0].Waypoints = []WaypointSpec{{At: -1}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := DefaultScenario(DefaultGenerateParams())
			mutate(s)
			err := s.Validate()
			if !errors.Is(err, protocol.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestDefaultScenarioLayout(t *testing.T) {
	s := DefaultScenario(DefaultGenerateParams())
	if err := s.Validate(); err != nil {
		t.Fatalf("default scenario invalid: %v", err)
	}
	if len(s.Agents) != 6 {
		t.Fatalf("got %d agents, want 6", len(s.Agents))
	}
	for i, a := range s.Agents[:2] {
		if a.Kind != "fixed" || a.Position != (model.Position{X: float64(i) * 50}) {
			t.Fatalf("fixed agent %d = %#v", i, a)
		}
	}
	for _, a := range s.Agents[2:] {
		if a.Kind != "mobile" || !mobileArea.Contains(a.Position) {
			t.Fatalf("mobile agent = %#v", a)
		}
	}

	again := DefaultScenario(DefaultGenerateParams())
	for i := range s.Agents {
		if s.Agents[i].Position != again.Agents[i].Position {
			t.Fatalf("generation is not deterministic for agent %d", i)
		}
	}
}

func TestScenarioEncodeRoundTrip(t *testing.T) {
	s := DefaultScenario(DefaultGenerateParams())
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := LoadScenario(&buf)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	want, _ := s.ProtocolConfig()
	got, err := back.ProtocolConfig()
	if err != nil {
		t.Fatalf("ProtocolConfig: %v", err)
	}
	if got != want {
		t.Fatalf("protocol config changed across encode:\n got %#v\nwant %#v", got, want)
	}
	if len(back.Agents) != len(s.Agents) {
		t.Fatalf("agents lost across encode")
	}
}
