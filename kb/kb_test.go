package kb

import (
	"sync"
	"testing"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

func TestAddAndGetAgent(t *testing.T) {
	store := NewKnowledgeBase()
	a := &model.AgentDefinition{ID: 1, Name: "fixed-1"}
	if err := store.AddAgent(a); err != nil {
		t.Fatalf("AddAgent error: %v", err)
	}
	got := store.GetAgent(1)
	if got == nil || got.Name != "fixed-1" {
		t.Fatalf("GetAgent returned %#v, want name fixed-1", got)
	}
	if store.GetAgent(2) != nil {
		t.Fatalf("GetAgent(2) should be nil")
	}
}

func TestAddAgentDuplicate(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddAgent(&model.AgentDefinition{ID: 1}); err != nil {
		t.Fatalf("first AddAgent error: %v", err)
	}
	if err := store.AddAgent(&model.AgentDefinition{ID: 1}); err == nil {
		t.Fatalf("expected duplicate AddAgent to fail")
	}
}

func TestListAgentsOrderedByID(t *testing.T) {
	store := NewKnowledgeBase()
	for _, id := range []protocol.AgentID{5, 0, 3} {
		if err := store.AddAgent(&model.AgentDefinition{ID: id}); err != nil {
			t.Fatalf("AddAgent(%d): %v", id, err)
		}
	}
	var got []protocol.AgentID
	for _, a := range store.ListAgents() {
		got = append(got, a.ID)
	}
	want := []protocol.AgentID{0, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("ListAgents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListAgents = %v, want %v", got, want)
		}
	}
}

func TestUpdatePositionNotifiesSubscribers(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddAgent(&model.AgentDefinition{ID: 7}); err != nil {
		t.Fatalf("AddAgent error: %v", err)
	}

	var events []Event
	unsubscribe := store.Subscribe(func(e Event) { events = append(events, e) })

	if err := store.UpdateAgentPosition(7, model.Position{X: 3, Y: 4}); err != nil {
		t.Fatalf("UpdateAgentPosition error: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventAgentMoved || events[0].Agent.Position.X != 3 {
		t.Fatalf("unexpected events %#v", events)
	}
	if pos, ok := store.Position(7); !ok || pos != (model.Position{X: 3, Y: 4}) {
		t.Fatalf("Position = %#v, %v", pos, ok)
	}

	unsubscribe()
	if err := store.UpdateAgentPosition(7, model.Position{X: 1}); err != nil {
		t.Fatalf("UpdateAgentPosition error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("unsubscribed callback still invoked: %d events", len(events))
	}

	if err := store.UpdateAgentPosition(99, model.Position{}); err == nil {
		t.Fatalf("expected error for unknown agent")
	}
}

func TestUnsubscribeKeepsOtherSubscribers(t *testing.T) {
	store := NewKnowledgeBase()
	var a, b int
	unsubA := store.Subscribe(func(Event) { a++ })
	store.Subscribe(func(Event) { b++ })
	unsubA()
	unsubA()

	if err := store.AddAgent(&model.AgentDefinition{ID: 1}); err != nil {
		t.Fatalf("AddAgent error: %v", err)
	}
	if a != 0 || b != 1 {
		t.Fatalf("a=%d b=%d, want 0 and 1", a, b)
	}
}

func TestConcurrentPositionUpdates(t *testing.T) {
	store := NewKnowledgeBase()
	for i := range 4 {
		if err := store.AddAgent(&model.AgentDefinition{ID: protocol.AgentID(i)}); err != nil {
			t.Fatalf("AddAgent error: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(id protocol.AgentID) {
			defer wg.Done()
			for step := range 100 {
				_ = store.UpdateAgentPosition(id, model.Position{X: float64(step)})
				store.Position(id)
			}
		}(protocol.AgentID(i))
	}
	wg.Wait()

	for _, a := range store.ListAgents() {
		if a.Position.X != 99 {
			t.Fatalf("agent %s final X = %v, want 99", a.ID, a.Position.X)
		}
	}
}
