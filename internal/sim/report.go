package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/core"
	"github.com/signalsfoundry/discovery-collab-sim/internal/agent"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/collab"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/discovery"
	"github.com/signalsfoundry/discovery-collab-sim/internal/transport"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// Report is the outcome of one run. Times are seconds from the epoch.
type Report struct {
	RunID     string                  `json:"run_id"`
	Scenario  string                  `json:"scenario"`
	Mode      string                  `json:"mode"`
	Seed      uint64                  `json:"seed"`
	SimTime   core.Seconds            `json:"sim_time"`
	Phases    PhaseTimeline           `json:"phases"`
	Agents    []AgentReport           `json:"agents"`
	Totals    Totals                  `json:"totals"`
	Transport transport.StatsSnapshot `json:"transport"`
}

// PhaseTimeline lists the shared phase boundaries.
type PhaseTimeline struct {
	DiscoveryStart   core.Seconds `json:"discovery_start"`
	DiscoveryEnd     core.Seconds `json:"discovery_end"`
	CollaborationEnd core.Seconds `json:"collaboration_end"`
}

// Totals aggregates across agents.
type Totals struct {
	Agents              int               `json:"agents"`
	RangeChanges        int               `json:"range_changes"`
	PositionUpdates     int               `json:"position_updates"`
	SessionsEstablished int               `json:"sessions_established"`
	DataDelivered       uint64            `json:"data_delivered"`
	Anomalies           map[string]uint64 `json:"anomalies,omitempty"`
}

// AgentReport is one agent's final state.
type AgentReport struct {
	ID               uint32            `json:"id"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	Phase            string            `json:"phase"`
	Position         model.Position    `json:"position"`
	Discovered       []uint32          `json:"discovered"`
	Neighbors        []NeighborReport  `json:"neighbors,omitempty"`
	Sessions         []SessionReport   `json:"sessions,omitempty"`
	PreviousSessions []SessionReport   `json:"previous_sessions,omitempty"`
	LateCandidates   []uint32          `json:"late_candidates,omitempty"`
	Discovery        discovery.Stats   `json:"discovery"`
	MessagesSent     uint64            `json:"messages_sent"`
	MessagesReceived uint64            `json:"messages_received"`
	Anomalies        map[string]uint64 `json:"anomalies,omitempty"`
}

// NeighborReport is one neighbor table entry.
type NeighborReport struct {
	Peer      uint32       `json:"peer"`
	State     string       `json:"state"`
	InRange   bool         `json:"in_range"`
	FirstSeen core.Seconds `json:"first_seen"`
	LastSeen  core.Seconds `json:"last_seen"`
}

// SessionReport is one collaboration session.
type SessionReport struct {
	Peer          uint32        `json:"peer"`
	Role          string        `json:"role"`
	State         string        `json:"state"`
	Attempt       int           `json:"attempt"`
	OpenedAt      core.Seconds  `json:"opened_at"`
	EstablishedAt *core.Seconds `json:"established_at,omitempty"`
	ClosedAt      *core.Seconds `json:"closed_at,omitempty"`
	CloseReason   string        `json:"close_reason,omitempty"`
	DataSent      uint64        `json:"data_sent"`
	DataReceived  uint64        `json:"data_received"`
	BytesReceived uint64        `json:"bytes_received"`
}

func (s *Simulation) report() *Report {
	start, end, collabEnd := s.cfg.Boundaries(s.epoch)
	r := &Report{
		RunID:    s.runID,
		Scenario: s.scenario.Name,
		Mode:     s.opts.Mode.String(),
		Seed:     s.scenario.Seed,
		SimTime:  s.scenario.SimTime,
		Phases: PhaseTimeline{
			DiscoveryStart:   s.offset(start),
			DiscoveryEnd:     s.offset(end),
			CollaborationEnd: s.offset(collabEnd),
		},
		Totals: Totals{
			Agents:          len(s.agents),
			RangeChanges:    s.rangeChanges,
			PositionUpdates: s.positionUpdates,
		},
		Transport: s.transport.Stats.Snapshot(),
	}

	for _, a := range s.agents {
		ar := s.agentReport(a)
		for _, sess := range append(slices.Clone(ar.PreviousSessions), ar.Sessions...) {
			if sess.EstablishedAt != nil && sess.Role == collab.RoleInitiator.String() {
				r.Totals.SessionsEstablished++
			}
			r.Totals.DataDelivered += sess.DataReceived
		}
		for k, v := range ar.Anomalies {
			if r.Totals.Anomalies == nil {
				r.Totals.Anomalies = make(map[string]uint64)
			}
			r.Totals.Anomalies[k] += v
		}
		r.Agents = append(r.Agents, ar)
	}
	return r
}

func (s *Simulation) agentReport(a *agent.Agent) AgentReport {
	snap := a.Snapshot()
	def := s.engine.KB.GetAgent(a.ID())
	ar := AgentReport{
		ID:               uint32(snap.ID),
		Kind:             snap.Kind.String(),
		Phase:            snap.Phase.String(),
		Discovered:       ids(snap.Discovered),
		LateCandidates:   ids(snap.LateCandidates),
		Discovery:        snap.Discovery,
		MessagesSent:     snap.MessagesSent,
		MessagesReceived: snap.MessagesRecv,
		Anomalies:        s.tally.forAgent(snap.ID),
	}
	if ar.Discovered == nil {
		ar.Discovered = []uint32{}
	}
	if def != nil {
		ar.Name = def.Name
		if pos, ok := s.engine.KB.Position(def.ID); ok {
			ar.Position = pos
		}
	}
	for _, e := range snap.Neighbors {
		ar.Neighbors = append(ar.Neighbors, NeighborReport{
			Peer:      uint32(e.PeerID),
			State:     e.State.String(),
			InRange:   e.InRange,
			FirstSeen: s.offset(e.FirstSeenAt),
			LastSeen:  s.offset(e.LastSeenAt),
		})
	}
	for _, sess := range snap.Sessions {
		ar.Sessions = append(ar.Sessions, s.sessionReport(sess))
	}
	for _, sess := range snap.History {
		ar.PreviousSessions = append(ar.PreviousSessions, s.sessionReport(sess))
	}
	return ar
}

func (s *Simulation) sessionReport(sess collab.Session) SessionReport {
	return SessionReport{
		Peer:          uint32(sess.PeerID),
		Role:          sess.Role.String(),
		State:         sess.State.String(),
		Attempt:       sess.Attempt,
		OpenedAt:      s.offset(sess.OpenedAt),
		EstablishedAt: s.optionalOffset(sess.EstablishedAt),
		ClosedAt:      s.optionalOffset(sess.ClosedAt),
		CloseReason:   sess.CloseReason,
		DataSent:      sess.DataSent,
		DataReceived:  sess.DataReceived,
		BytesReceived: sess.BytesReceived,
	}
}

func (s *Simulation) offset(t time.Time) core.Seconds {
	return core.SecondsOf(t.Sub(s.epoch))
}

func (s *Simulation) optionalOffset(t time.Time) *core.Seconds {
	if t.IsZero() {
		return nil
	}
	v := s.offset(t)
	return &v
}

func ids(in []protocol.AgentID) []uint32 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint32, len(in))
	for i, id := range in {
		out[i] = uint32(id)
	}
	return out
}

// Agent returns the report for id.
func (r *Report) Agent(id uint32) (AgentReport, bool) {
	for _, a := range r.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentReport{}, false
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteSummary prints a per-agent table.
func (r *Report) WriteSummary(w io.Writer) error {
	fmt.Fprintf(w, "run %s (%s, %s)\n", r.RunID, r.Scenario, r.Mode)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tKIND\tPHASE\tDISCOVERED\tSESSIONS\tDATA RX\tANOMALIES")
	for _, a := range r.Agents {
		var established int
		var rx uint64
		for _, s := range append(slices.Clone(a.PreviousSessions), a.Sessions...) {
			if s.EstablishedAt != nil {
				established++
			}
			rx += s.DataReceived
		}
		var anomalies uint64
		for _, v := range a.Anomalies {
			anomalies += v
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%d\t%d\t%d\n", a.ID, a.Kind, a.Phase, a.Discovered, established, rx, anomalies)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "sessions established: %d, data delivered: %d, messages sent: %d, dropped: %v\n",
		r.Totals.SessionsEstablished, r.Totals.DataDelivered, r.Transport.Sent, r.Transport.Dropped)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "range changes: %d, position updates: %d\n", r.Totals.RangeChanges, r.Totals.PositionUpdates)
	return err
}

// WriteConfigSummary prints the configuration a run will use.
func WriteConfigSummary(w io.Writer, s *core.Scenario) error {
	cfg, err := s.ProtocolConfig()
	if err != nil {
		return err
	}
	var fixed, mobile int
	for _, a := range s.Agents {
		if a.Kind == model.AgentKindMobile.String() {
			mobile++
		} else {
			fixed++
		}
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"scenario", s.Name},
		{"agents", fmt.Sprintf("%d fixed, %d mobile", fixed, mobile)},
		{"radio range", fmt.Sprintf("%.0f m", s.RadioRange)},
		{"simulation time", s.SimTime.Duration().String()},
		{"discovery", fmt.Sprintf("%s - %s", cfg.DiscoveryStart, cfg.DiscoveryEnd)},
		{"collaboration", fmt.Sprintf("%s - %s", cfg.DiscoveryEnd, cfg.CollaborationEnd)},
		{"broadcast interval", fmt.Sprintf("%s (+ up to %s jitter)", cfg.BroadcastInterval, cfg.BroadcastJitterWindow)},
		{"staleness", fmt.Sprintf("%s, evict after %s more", cfg.StalenessTimeout, cfg.EvictionGrace)},
		{"session retries", fmt.Sprintf("%d, %s backoff %s", cfg.RetryCount, cfg.RetryStrategy, cfg.RetryBackoff)},
		{"data interval", cfg.DataInterval.String()},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	return tw.Flush()
}

// tally counts anomalies per agent for the report.
type tally struct {
	protocol.NopObserver

	mu     sync.Mutex
	counts map[protocol.AgentID]map[string]uint64
}

func newTally() *tally {
	return &tally{counts: make(map[protocol.AgentID]map[string]uint64)}
}

func (t *tally) Anomaly(_ context.Context, agent protocol.AgentID, a protocol.Anomaly) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.counts[agent]
	if m == nil {
		m = make(map[string]uint64)
		t.counts[agent] = m
	}
	m[string(a.Kind)]++
}

func (t *tally) forAgent(id protocol.AgentID) map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.counts[id]) == 0 {
		return nil
	}
	return maps.Clone(t.counts[id])
}
