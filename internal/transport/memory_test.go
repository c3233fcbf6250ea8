package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/discovery-collab-sim/internal/events"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

type fixedOracle struct {
	apart map[[2]protocol.AgentID]bool
}

func (o fixedOracle) InRange(a, b protocol.AgentID, _ time.Time) bool {
	return !o.apart[[2]protocol.AgentID{a, b}] && !o.apart[[2]protocol.AgentID{b, a}]
}

type delivery struct {
	msg  protocol.Message
	from protocol.AgentID
	at   time.Time
}

type inbox struct {
	id  protocol.AgentID
	mu  sync.Mutex
	got []delivery
}

func (r *inbox) ID() protocol.AgentID { return r.id }

func (r *inbox) Deliver(_ context.Context, msg protocol.Message, from protocol.AgentID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{msg: msg, from: from, at: now})
}

type countingObserver struct {
	delivered int
	dropped   map[DropReason]int
}

func (c *countingObserver) Delivered(context.Context, protocol.AgentID, protocol.AgentID, protocol.Kind, time.Duration) {
	c.delivered++
}

func (c *countingObserver) Dropped(_ context.Context, _, _ protocol.AgentID, _ protocol.Kind, reason DropReason) {
	if c.dropped == nil {
		c.dropped = map[DropReason]int{}
	}
	c.dropped[reason]++
}

func setup(t *testing.T, cfg Config, oracle protocol.ConnectivityOracle, n int) (*events.FakeEventScheduler, *InMemory, []*inbox) {
	t.Helper()
	sched := events.NewFakeEventScheduler(epoch)
	reg := NewRegistry()
	boxes := make([]*inbox, n)
	for i := range boxes {
		boxes[i] = &inbox{id: protocol.AgentID(i)}
		require.NoError(t, reg.Register(boxes[i]))
	}
	tr, err := NewInMemory(cfg, sched, oracle, reg)
	require.NoError(t, err)
	return sched, tr, boxes
}

func msg(kind protocol.Kind, from protocol.AgentID, seq uint64) protocol.Message {
	m := protocol.Broadcast(kind)
	m.Sender = from
	m.Seq = seq
	return m
}

func TestBroadcastReachesEveryoneInRangeButSender(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	oracle := fixedOracle{apart: map[[2]protocol.AgentID]bool{{0, 2}: true}}
	sched, tr, boxes := setup(t, Config{Delay: 5 * time.Millisecond}, oracle, 3)
	tr.obs = obs

	tr.Send(ctx, 0, msg(protocol.KindProbe, 0, 1))
	assert.Equal(t, 1, tr.Pending())
	tr.Flush(ctx)
	assert.Zero(t, tr.Pending())

	sched.AdvanceTo(ctx, epoch.Add(time.Second))
	assert.Empty(t, boxes[0].got)
	require.Len(t, boxes[1].got, 1)
	assert.Empty(t, boxes[2].got)
	assert.Equal(t, epoch.Add(5*time.Millisecond), boxes[1].got[0].at)
	assert.Equal(t, protocol.AgentID(0), boxes[1].got[0].from)

	assert.Equal(t, 1, obs.delivered)
	assert.Equal(t, 1, obs.dropped[DropOutOfRange])
	snap := tr.Stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Sent)
	assert.Equal(t, uint64(1), snap.Delivered)
	assert.Equal(t, uint64(1), snap.Dropped[DropOutOfRange])
}

func TestUnicastGoesOnlyToTarget(t *testing.T) {
	ctx := context.Background()
	sched, tr, boxes := setup(t, DefaultConfig(), fixedOracle{}, 3)

	m := protocol.Unicast(protocol.KindProbeReply, 2)
	m.Sender, m.Seq = 1, 7
	tr.Send(ctx, 1, m)
	tr.Flush(ctx)
	sched.AdvanceTo(ctx, epoch.Add(time.Second))

	assert.Empty(t, boxes[0].got)
	assert.Empty(t, boxes[1].got)
	require.Len(t, boxes[2].got, 1)
	got := boxes[2].got[0].msg
	assert.Equal(t, protocol.KindProbeReply, got.Kind)
	assert.True(t, got.HasTarget)
	assert.Equal(t, uint64(7), got.Seq)
}

func TestFlushOrdersBySenderThenSeq(t *testing.T) {
	ctx := context.Background()
	sched, tr, boxes := setup(t, Config{Delay: time.Millisecond}, fixedOracle{}, 3)

	tr.Send(ctx, 2, msg(protocol.KindProbe, 2, 1))
	tr.Send(ctx, 1, msg(protocol.KindProbe, 1, 2))
	tr.Send(ctx, 1, msg(protocol.KindProbe, 1, 1))
	tr.Flush(ctx)
	sched.AdvanceTo(ctx, epoch.Add(time.Second))

	var order []uint64
	for _, d := range boxes[0].got {
		order = append(order, uint64(d.from)*100+d.msg.Seq)
	}
	assert.Equal(t, []uint64{101, 102, 201}, order)
}

func TestPerPairFIFOUnderJitter(t *testing.T) {
	ctx := context.Background()
	sched, tr, boxes := setup(t, Config{Delay: time.Millisecond, Jitter: 50 * time.Millisecond, Seed: 3}, fixedOracle{}, 2)

	for seq := uint64(1); seq <= 50; seq++ {
		tr.Send(ctx, 0, msg(protocol.KindProbe, 0, seq))
		tr.Flush(ctx)
		sched.Advance(ctx, time.Millisecond)
	}
	sched.AdvanceTo(ctx, epoch.Add(time.Second))

	require.Len(t, boxes[1].got, 50)
	for i := 1; i < len(boxes[1].got); i++ {
		prev, cur := boxes[1].got[i-1], boxes[1].got[i]
		require.Less(t, prev.msg.Seq, cur.msg.Seq)
		require.False(t, cur.at.Before(prev.at))
	}
}

func TestLossIsDeterministic(t *testing.T) {
	ctx := context.Background()
	run := func() []uint64 {
		sched, tr, boxes := setup(t, Config{LossRate: 0.5, Seed: 11}, fixedOracle{}, 2)
		for seq := uint64(1); seq <= 200; seq++ {
			tr.Send(ctx, 0, msg(protocol.KindProbe, 0, seq))
		}
		tr.Flush(ctx)
		sched.AdvanceTo(ctx, epoch.Add(time.Second))
		var seqs []uint64
		for _, d := range boxes[1].got {
			seqs = append(seqs, d.msg.Seq)
		}
		return seqs
	}
	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.Greater(t, len(first), 50)
	assert.Less(t, len(first), 150)
}

func TestMalformedSendIsDropped(t *testing.T) {
	ctx := context.Background()
	_, tr, _ := setup(t, DefaultConfig(), fixedOracle{}, 2)

	tr.Send(ctx, 0, protocol.Message{Kind: protocol.KindData})
	assert.Zero(t, tr.Pending())
	assert.Equal(t, uint64(1), tr.Stats.Snapshot().Dropped[DropMalformed])
}

func TestUnregisteredReceiverDropsOnArrival(t *testing.T) {
	ctx := context.Background()
	sched, tr, _ := setup(t, DefaultConfig(), fixedOracle{}, 2)

	m := protocol.Unicast(protocol.KindSessionRequest, 1)
	m.Sender, m.Seq = 0, 1
	tr.Send(ctx, 0, m)
	tr.Flush(ctx)
	tr.registry.Unregister(1)
	sched.AdvanceTo(ctx, epoch.Add(time.Second))

	assert.Equal(t, uint64(1), tr.Stats.Snapshot().Dropped[DropUnknown])
}

func TestConfigValidate(t *testing.T) {
	for name, cfg := range map[string]Config{
		"negative delay":  {Delay: -1},
		"negative jitter": {Jitter: -1},
		"loss above one":  {LossRate: 1.5},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, cfg.Validate(), protocol.ErrInvalidConfig)
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&inbox{id: 3}))
	require.NoError(t, reg.Register(&inbox{id: 1}))
	require.Error(t, reg.Register(&inbox{id: 3}))

	assert.Equal(t, []protocol.AgentID{1, 3}, reg.IDs())
	_, ok := reg.Get(1)
	assert.True(t, ok)

	reg.Unregister(1)
	_, ok = reg.Get(1)
	assert.False(t, ok)
	assert.Equal(t, []protocol.AgentID{3}, reg.IDs())
}
