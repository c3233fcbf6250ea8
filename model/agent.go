package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// AgentKind distinguishes stationary from moving agents.
type AgentKind int

const (
	AgentKindFixed AgentKind = iota
	AgentKindMobile
)

func (k AgentKind) String() string {
	switch k {
	case AgentKindFixed:
		return "fixed"
	case AgentKindMobile:
		return "mobile"
	default:
		return "unknown"
	}
}

// ParseAgentKind accepts "fixed" or "mobile", case-insensitively.
func ParseAgentKind(s string) (AgentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "static", "":
		return AgentKindFixed, nil
	case "mobile":
		return AgentKindMobile, nil
	default:
		return AgentKindFixed, fmt.Errorf("unknown agent kind %q", s)
	}
}

// Position is a point on the simulation plane, in metres.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// DistanceTo returns the straight-line distance between two points.
func (p Position) DistanceTo(other Position) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// Waypoint pins an agent to a position at an offset from the epoch.
type Waypoint struct {
	At       time.Duration
	Position Position
}

// AgentDefinition describes one simulated agent. Position is updated in
// place by the agent's motion model.
type AgentDefinition struct {
	ID       protocol.AgentID
	Name     string
	Kind     AgentKind
	Position Position

	// Waypoints, when set, script the agent's motion instead of a random walk.
	Waypoints []Waypoint
}
