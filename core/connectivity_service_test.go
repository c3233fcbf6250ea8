package core

import (
	"testing"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/kb"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

func newStore(t *testing.T, positions map[protocol.AgentID]model.Position) *kb.KnowledgeBase {
	t.Helper()
	store := kb.NewKnowledgeBase()
	for id, pos := range positions {
		if err := store.AddAgent(&model.AgentDefinition{ID: id, Position: pos}); err != nil {
			t.Fatalf("AddAgent(%s): %v", id, err)
		}
	}
	return store
}

func TestConnectivity_RangeIsInclusiveAndSymmetric(t *testing.T) {
	store := newStore(t, map[protocol.AgentID]model.Position{
		0: {X: 0},
		1: {X: 80},
		2: {X: 161},
	})
	cs := NewConnectivityService(store, 80)

	changes := cs.UpdateConnectivity(testEpoch)
	want := protocol.RangeChange{A: 0, B: 1, InRange: true, At: testEpoch}
	if len(changes) != 1 || changes[0] != want {
		t.Fatalf("changes = %#v, want only %#v", changes, want)
	}
	if !cs.InRange(0, 1, testEpoch) || !cs.InRange(1, 0, testEpoch) {
		t.Fatalf("exactly radio range apart should be in range, both ways")
	}
	if cs.InRange(1, 2, testEpoch) || cs.InRange(0, 2, testEpoch) {
		t.Fatalf("pairs beyond radio range reported in range")
	}
	if !cs.InRange(2, 2, testEpoch) {
		t.Fatalf("an agent always reaches itself")
	}
	if got := cs.Neighbors(1); len(got) != 1 || got[0] != 0 {
		t.Fatalf("Neighbors(1) = %v, want [0]", got)
	}
}

func TestConnectivity_ReportsOnlyEdges(t *testing.T) {
	store := newStore(t, map[protocol.AgentID]model.Position{
		0: {X: 0},
		1: {X: 10},
	})
	cs := NewConnectivityService(store, 50)

	if got := cs.UpdateConnectivity(testEpoch); len(got) != 1 || !got[0].InRange {
		t.Fatalf("first update = %#v, want one in-range change", got)
	}
	if got := cs.UpdateConnectivity(testEpoch); len(got) != 0 {
		t.Fatalf("unchanged topology produced %#v", got)
	}

	if err := store.UpdateAgentPosition(1, model.Position{X: 60}); err != nil {
		t.Fatalf("UpdateAgentPosition: %v", err)
	}
	got := cs.UpdateConnectivity(testEpoch)
	if len(got) != 1 || got[0].InRange || got[0].A != 0 || got[0].B != 1 {
		t.Fatalf("move out of range = %#v", got)
	}
	if cs.InRange(0, 1, testEpoch) {
		t.Fatalf("pair still in range after moving apart")
	}

	cs.Reset()
	if got := cs.UpdateConnectivity(testEpoch); len(got) != 0 {
		t.Fatalf("reset with everything apart should report nothing, got %#v", got)
	}
}
