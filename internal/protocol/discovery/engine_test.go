package discovery

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/neighbor"
)

var epoch = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64) time.Time { return epoch.Add(time.Duration(sec * float64(time.Second))) }

type recordingOutbox struct{ sent []protocol.Message }

func (o *recordingOutbox) Send(_ context.Context, msg protocol.Message) { o.sent = append(o.sent, msg) }

func (o *recordingOutbox) count(kind protocol.Kind) int {
	n := 0
	for _, m := range o.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type anomalyRecorder struct {
	protocol.NopObserver
	anomalies []protocol.Anomaly
}

func (r *anomalyRecorder) Anomaly(_ context.Context, _ protocol.AgentID, a protocol.Anomaly) {
	r.anomalies = append(r.anomalies, a)
}

func newEngine(t *testing.T, cfg protocol.Config) (*Engine, *neighbor.Table, *recordingOutbox, *anomalyRecorder) {
	t.Helper()
	tbl := neighbor.New()
	out := &recordingOutbox{}
	obs := &anomalyRecorder{}
	e := New(0, cfg, tbl, out, Options{Observer: obs, Rand: rand.New(rand.NewPCG(1, 2))})
	return e, tbl, out, obs
}

func probe(sender protocol.AgentID, seq uint64) protocol.Message {
	m := protocol.Broadcast(protocol.KindProbe)
	m.Sender = sender
	m.Seq = seq
	return m
}

func TestProbeIsAnsweredAndConfirms(t *testing.T) {
	ctx := context.Background()
	e, tbl, out, _ := newEngine(t, protocol.DefaultConfig())
	e.Start(ctx, at(2))

	tr := e.OnMessage(ctx, probe(1, 1), at(3))
	assert.Equal(t, protocol.NeighborConfirmed, tr.To)
	require.Len(t, out.sent, 1)
	assert.Equal(t, protocol.KindProbeReply, out.sent[0].Kind)
	assert.Equal(t, protocol.AgentID(1), out.sent[0].Target)
	assert.True(t, out.sent[0].HasTarget)
	assert.Equal(t, []protocol.AgentID{1}, tbl.Confirmed())
}

func TestProbeReplyConfirmsWithoutReply(t *testing.T) {
	ctx := context.Background()
	e, tbl, out, _ := newEngine(t, protocol.DefaultConfig())
	e.Start(ctx, at(2))

	reply := protocol.Unicast(protocol.KindProbeReply, 0)
	reply.Sender = 5
	reply.Seq = 2
	e.OnMessage(ctx, reply, at(3))

	assert.Empty(t, out.sent)
	assert.Equal(t, []protocol.AgentID{5}, tbl.Confirmed())
}

func TestDuplicateProbeOnlyRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	e, tbl, out, obs := newEngine(t, protocol.DefaultConfig())
	e.Start(ctx, at(2))

	e.OnMessage(ctx, probe(1, 1), at(3))
	before, _ := tbl.Get(1)

	e.OnMessage(ctx, probe(1, 1), at(4))
	after, _ := tbl.Get(1)

	assert.Equal(t, 1, out.count(protocol.KindProbeReply))
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.FirstSeenAt, after.FirstSeenAt)
	assert.Equal(t, at(4), after.LastSeenAt)
	require.Len(t, obs.anomalies, 1)
	assert.Equal(t, protocol.AnomalyDuplicateSeq, obs.anomalies[0].Kind)
	assert.Equal(t, uint64(1), e.Stats().Duplicates)
}

func TestTickBroadcastsWithJitterUntilStopped(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	e, _, out, _ := newEngine(t, cfg)
	e.Start(ctx, at(2))

	// Drive ticks the way the agent does: always at the next deadline.
	for now := at(2); now.Before(at(22)); {
		e.Tick(ctx, now)
		next, ok := e.NextDeadline()
		require.True(t, ok)
		require.True(t, next.After(now))
		now = next
	}
	probes := out.count(protocol.KindProbe)
	// 20s of probing with a 2s interval and up to 0.5s of jitter.
	assert.GreaterOrEqual(t, probes, 8)
	assert.LessOrEqual(t, probes, 10)

	e.Stop(ctx, at(22))
	assert.False(t, e.Broadcasting())
	e.Tick(ctx, at(40))
	assert.Equal(t, probes, out.count(protocol.KindProbe))

	// Stray probes are still answered after broadcasting stops.
	e.OnMessage(ctx, probe(3, 7), at(41))
	assert.Equal(t, 1, out.count(protocol.KindProbeReply))
}

func TestSweepNotifiesChanges(t *testing.T) {
	ctx := context.Background()
	var changes []neighbor.Transition
	tbl := neighbor.New()
	e := New(0, protocol.DefaultConfig(), tbl, &recordingOutbox{}, Options{
		OnChange: func(_ context.Context, tr neighbor.Transition, _ time.Time) { changes = append(changes, tr) },
	})
	e.Start(ctx, at(0))
	e.OnMessage(ctx, probe(2, 1), at(1))

	e.Tick(ctx, at(8))
	e.Tick(ctx, at(20))

	require.Len(t, changes, 3)
	assert.Equal(t, protocol.NeighborConfirmed, changes[0].To)
	assert.Equal(t, protocol.NeighborStale, changes[1].To)
	assert.Equal(t, protocol.NeighborNone, changes[2].To)
}

func TestHaltedEngineIgnoresProbes(t *testing.T) {
	ctx := context.Background()
	e, tbl, out, obs := newEngine(t, protocol.DefaultConfig())
	e.OnMessage(ctx, probe(1, 1), at(1))
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, out.sent)
	require.Len(t, obs.anomalies, 1)
	assert.Equal(t, protocol.AnomalyUnexpectedMessage, obs.anomalies[0].Kind)

	e.Start(ctx, at(2))
	e.Halt(ctx, at(3))
	_, ok := e.NextDeadline()
	assert.False(t, ok)
}

func TestDuplicateProbesNeverTriggerSecondReply(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("one reply per distinct (sender, seq)", prop.ForAll(
		func(seqs []uint8) bool {
			ctx := context.Background()
			e, tbl, out, _ := newEngine(t, protocol.DefaultConfig())
			e.Start(ctx, at(2))

			distinct := map[uint8]bool{}
			for i, s := range seqs {
				e.OnMessage(ctx, probe(9, uint64(s)), at(3+float64(i)/10))
				distinct[s] = true
			}
			if out.count(protocol.KindProbeReply) != len(distinct) {
				return false
			}
			if len(seqs) == 0 {
				return tbl.Len() == 0
			}
			return tbl.State(9) == protocol.NeighborConfirmed
		},
		gen.SliceOf(gen.UInt8Range(0, 10)),
	))

	properties.TestingRun(t)
}
