// Package collab turns confirmed neighbors into point-to-point sessions and
// carries application data over them.
package collab

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/discovery-collab-sim/internal/logging"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol/neighbor"
)

const tracerName = "github.com/signalsfoundry/discovery-collab-sim/internal/protocol/collab"

// PayloadSource produces the n-th periodic data payload for peer.
type PayloadSource func(peer protocol.AgentID, n uint64) []byte

// FixedPayload returns size-byte payloads filled with the low byte of n.
func FixedPayload(size int) PayloadSource {
	return func(_ protocol.AgentID, n uint64) []byte {
		if size <= 0 {
			return nil
		}
		return bytes.Repeat([]byte{byte(n)}, size)
	}
}

// Options configures an Engine. Nil fields fall back to no-ops, the global
// tracer provider and a FixedPayload of cfg.DataPayloadSize.
type Options struct {
	Observer    protocol.Observer
	Application protocol.Application
	Payload     PayloadSource
	Tracer      trace.Tracer
	Logger      logging.Logger
}

// Engine owns one agent's sessions. It is driven by the agent, one event at
// a time, and is not safe for concurrent use.
type Engine struct {
	self   protocol.AgentID
	cfg    protocol.Config
	table  *neighbor.Table
	out    protocol.Outbox
	timers protocol.Timers

	obs     protocol.Observer
	app     protocol.Application
	payload PayloadSource
	tracer  trace.Tracer
	log     logging.Logger

	active bool
	done   bool

	sessions   map[protocol.AgentID]*session
	history    []Session
	candidates []protocol.AgentID
	late       []protocol.AgentID
	stale      map[protocol.AgentID]bool
	retries    map[protocol.AgentID]string
}

// New builds an engine. table is read for candidate selection and sender
// plausibility; the engine never writes to it.
func New(self protocol.AgentID, cfg protocol.Config, table *neighbor.Table, out protocol.Outbox, timers protocol.Timers, opts Options) *Engine {
	if opts.Observer == nil {
		opts.Observer = protocol.NopObserver{}
	}
	if opts.Application == nil {
		opts.Application = protocol.ApplicationFunc(func(protocol.AgentID, []byte, time.Time) {})
	}
	if opts.Payload == nil {
		opts.Payload = FixedPayload(cfg.DataPayloadSize)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Engine{
		self:     self,
		cfg:      cfg,
		table:    table,
		out:      out,
		timers:   timers,
		obs:      opts.Observer,
		app:      opts.Application,
		payload:  opts.Payload,
		tracer:   opts.Tracer,
		log:      opts.Logger,
		sessions: make(map[protocol.AgentID]*session),
		stale:    make(map[protocol.AgentID]bool),
		retries:  make(map[protocol.AgentID]string),
	}
}

// Begin freezes the Confirmed neighbors as candidates and sends a
// SessionRequest to every candidate this agent initiates with.
func (e *Engine) Begin(ctx context.Context, now time.Time) {
	if e.active || e.done {
		return
	}
	e.active = true
	e.candidates = e.table.Confirmed()
	for _, peer := range e.table.Stale() {
		e.stale[peer] = true
	}
	// Probed peers were Stale and are halfway back to Confirmed.
	for _, peer := range e.table.Probed() {
		e.stale[peer] = true
	}
	e.log.Info(ctx, "collaboration started",
		logging.Int("candidates", len(e.candidates)),
		logging.Any("peers", e.candidates),
	)
	for _, peer := range e.candidates {
		if Initiator(e.self, peer) {
			e.open(ctx, peer, 1, now)
		}
	}
}

// Terminate tears down every open session and cancels pending retries.
// Later messages for those sessions are dropped as anomalies.
func (e *Engine) Terminate(ctx context.Context, now time.Time) {
	if e.done {
		return
	}
	e.active = false
	e.done = true
	for peer, id := range e.retries {
		e.timers.Cancel(id)
		delete(e.retries, peer)
	}
	for _, peer := range e.peers() {
		if s := e.sessions[peer]; s.State.Open() {
			e.teardown(ctx, s, ReasonTerminated, now)
		}
	}
}

// Active reports whether the engine is in the collaboration window.
func (e *Engine) Active() bool { return e.active }

// OnMessage handles every non-discovery message.
func (e *Engine) OnMessage(ctx context.Context, msg protocol.Message, now time.Time) {
	switch msg.Kind {
	case protocol.KindSessionRequest:
		e.handleRequest(ctx, msg, now)
	case protocol.KindSessionAccept:
		e.handleAccept(ctx, msg, now)
	case protocol.KindSessionReject:
		e.handleReject(ctx, msg, now)
	case protocol.KindData:
		e.handleData(ctx, msg, now)
	case protocol.KindSessionTeardown:
		e.handleTeardown(ctx, msg, now)
	default:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnexpectedMessage, msg, now, "not a session message"))
	}
}

func (e *Engine) handleRequest(ctx context.Context, msg protocol.Message, now time.Time) {
	peer := msg.Sender
	if !e.active {
		e.reject(ctx, msg, now, protocol.AnomalyUnexpectedMessage, "not collaborating")
		return
	}
	if e.table.State(peer) == protocol.NeighborNone {
		e.reject(ctx, msg, now, protocol.AnomalyImplausibleSender, "not in neighbor table")
		return
	}
	e.cancelRetry(peer)

	s := e.sessions[peer]
	switch {
	case s != nil && s.State == protocol.SessionActive:
		s.LastActivityAt = now
	case s != nil && s.State == protocol.SessionRequesting:
		// Both sides asked; the pending request is answered by this one.
		e.cancelTimeout(s)
		e.establish(ctx, s, now)
	default:
		s = e.newSession(ctx, peer, RoleAcceptor, 1, now)
		e.establish(ctx, s, now)
	}
	e.out.Send(ctx, protocol.Unicast(protocol.KindSessionAccept, peer))
}

func (e *Engine) handleAccept(ctx context.Context, msg protocol.Message, now time.Time) {
	s := e.sessions[msg.Sender]
	switch {
	case s == nil:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnknownSession, msg, now, ""))
	case s.State == protocol.SessionRequesting:
		e.cancelTimeout(s)
		e.establish(ctx, s, now)
	case s.State == protocol.SessionActive:
		s.LastActivityAt = now
	default:
		// The peer considers the session open; tell it otherwise.
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyClosedSession, msg, now, ReasonLateAccept))
		e.out.Send(ctx, protocol.Unicast(protocol.KindSessionTeardown, msg.Sender))
	}
}

func (e *Engine) handleReject(ctx context.Context, msg protocol.Message, now time.Time) {
	s := e.sessions[msg.Sender]
	switch {
	case s == nil:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnknownSession, msg, now, ""))
	case s.State == protocol.SessionRequesting:
		e.close(ctx, s, ReasonRejected, now)
		e.scheduleRetry(ctx, s, now)
	case s.State == protocol.SessionClosed:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyClosedSession, msg, now, ""))
	default:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnexpectedMessage, msg, now, "reject for "+s.State.String()+" session"))
	}
}

func (e *Engine) handleData(ctx context.Context, msg protocol.Message, now time.Time) {
	s := e.sessions[msg.Sender]
	switch {
	case s == nil:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnknownSession, msg, now, ""))
	case s.State == protocol.SessionClosed:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyClosedSession, msg, now, ""))
	case s.State != protocol.SessionActive:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyUnexpectedMessage, msg, now, "data for "+s.State.String()+" session"))
	case msg.Seq <= s.lastPeerSeq:
		e.anomaly(ctx, protocol.NewAnomaly(protocol.AnomalyDuplicateSeq, msg, now, ""))
	default:
		s.lastPeerSeq = msg.Seq
		s.LastActivityAt = now
		s.DataReceived++
		s.BytesReceived += uint64(len(msg.Payload))
		e.app.OnDataReceived(msg.Sender, msg.Payload, now)
		e.obs.DataDelivered(ctx, e.self, msg.Sender, len(msg.Payload), now)
	}
}

func (e *Engine) handleTeardown(ctx context.Context, msg protocol.Message, now time.Time) {
	s := e.sessions[msg.Sender]
	if s == nil || s.State == protocol.SessionClosed {
		e.log.Debug(ctx, "teardown for closed session ignored", logging.String("peer", msg.Sender.String()))
		return
	}
	e.close(ctx, s, ReasonPeerTeardown, now)
}

// OnRangeChange closes the session with peer when the oracle reports it
// out of range. A teardown is sent once and never retried.
func (e *Engine) OnRangeChange(ctx context.Context, peer protocol.AgentID, inRange bool, now time.Time) {
	if inRange {
		return
	}
	e.cancelRetry(peer)
	if s := e.sessions[peer]; s != nil && s.State.Open() {
		e.teardown(ctx, s, ReasonOutOfRange, now)
	}
}

// OnNeighborChanged tracks peers that went stale during collaboration.
// With RetryReconfirmedStale, such a peer becomes a late candidate when it
// is Confirmed again.
func (e *Engine) OnNeighborChanged(ctx context.Context, tr neighbor.Transition, now time.Time) {
	if !e.active {
		return
	}
	switch tr.To {
	case protocol.NeighborStale:
		e.stale[tr.Peer] = true
	case protocol.NeighborConfirmed:
		if !e.stale[tr.Peer] || !e.cfg.RetryReconfirmedStale {
			return
		}
		delete(e.stale, tr.Peer)
		if !Initiator(e.self, tr.Peer) {
			return
		}
		if s := e.sessions[tr.Peer]; s != nil && s.State.Open() {
			return
		}
		if _, pending := e.retries[tr.Peer]; pending {
			return
		}
		e.late = append(e.late, tr.Peer)
		e.log.Info(ctx, "stale neighbor reconfirmed; opening session", logging.String("peer", tr.Peer.String()))
		e.open(ctx, tr.Peer, 1, now)
	}
}

// Tick sends periodic data on active sessions, in peer order.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if !e.active || e.cfg.DataInterval <= 0 {
		return
	}
	for _, peer := range e.peers() {
		s := e.sessions[peer]
		if s.State != protocol.SessionActive || now.Before(s.nextData) {
			continue
		}
		e.sendData(ctx, s, e.payload(peer, s.DataSent+1))
		s.nextData = now.Add(e.cfg.DataInterval)
	}
}

// NextDeadline returns the earliest pending data tick.
func (e *Engine) NextDeadline() (time.Time, bool) {
	if !e.active || e.cfg.DataInterval <= 0 {
		return time.Time{}, false
	}
	var next time.Time
	found := false
	for _, s := range e.sessions {
		if s.State != protocol.SessionActive {
			continue
		}
		if !found || s.nextData.Before(next) {
			next, found = s.nextData, true
		}
	}
	return next, found
}

// Send transmits an application payload on the active session with peer.
func (e *Engine) Send(ctx context.Context, peer protocol.AgentID, payload []byte) error {
	s := e.sessions[peer]
	if s == nil || s.State != protocol.SessionActive {
		return fmt.Errorf("%w with %s", protocol.ErrNoSession, peer)
	}
	e.sendData(ctx, s, payload)
	return nil
}

// Session returns the current session with peer.
func (e *Engine) Session(peer protocol.AgentID) (Session, bool) {
	s, ok := e.sessions[peer]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Sessions returns the current session per peer, ordered by peer.
func (e *Engine) Sessions() []Session {
	out := make([]Session, 0, len(e.sessions))
	for _, peer := range e.peers() {
		out = append(out, e.sessions[peer].Session)
	}
	return out
}

// History returns closed sessions that were replaced by a later one.
func (e *Engine) History() []Session {
	return slices.Clone(e.history)
}

// Candidates returns the Confirmed snapshot taken by Begin.
func (e *Engine) Candidates() []protocol.AgentID { return slices.Clone(e.candidates) }

// LateCandidates returns reconfirmed stale peers sessions were opened with.
func (e *Engine) LateCandidates() []protocol.AgentID { return slices.Clone(e.late) }

func (e *Engine) open(ctx context.Context, peer protocol.AgentID, attempt int, now time.Time) {
	if prev := e.sessions[peer]; prev != nil && prev.State.Open() {
		return
	}
	s := e.newSession(ctx, peer, RoleInitiator, attempt, now)
	e.setState(ctx, s, protocol.SessionRequesting, now)
	e.out.Send(ctx, protocol.Unicast(protocol.KindSessionRequest, peer))
	s.timeoutID = e.timers.After(now.Add(e.cfg.SessionResponseTimeout), func(ctx context.Context, now time.Time) {
		e.onTimeout(ctx, s, now)
	})
}

func (e *Engine) newSession(ctx context.Context, peer protocol.AgentID, role Role, attempt int, now time.Time) *session {
	if prev := e.sessions[peer]; prev != nil {
		e.history = append(e.history, prev.Session)
	}
	_, span := e.tracer.Start(ctx, "collab.session",
		trace.WithTimestamp(now),
		trace.WithAttributes(
			attribute.Int64("collab.local", int64(e.self)),
			attribute.Int64("collab.peer", int64(peer)),
			attribute.String("collab.role", role.String()),
			attribute.Int("collab.attempt", attempt),
		),
	)
	s := &session{
		Session: Session{
			PeerID:         peer,
			Role:           role,
			Attempt:        attempt,
			OpenedAt:       now,
			LastActivityAt: now,
		},
		span: span,
	}
	e.sessions[peer] = s
	return s
}

func (e *Engine) establish(ctx context.Context, s *session, now time.Time) {
	s.EstablishedAt = now
	s.LastActivityAt = now
	s.nextData = now.Add(e.cfg.DataInterval)
	e.setState(ctx, s, protocol.SessionActive, now)
	e.log.Info(ctx, "session established",
		logging.String("peer", s.PeerID.String()),
		logging.String("role", s.Role.String()),
		logging.Int("attempt", s.Attempt),
	)
}

func (e *Engine) onTimeout(ctx context.Context, s *session, now time.Time) {
	if e.sessions[s.PeerID] != s || s.State != protocol.SessionRequesting {
		return
	}
	s.timeoutID = ""
	e.log.Debug(ctx, "session request timed out",
		logging.String("peer", s.PeerID.String()),
		logging.Int("attempt", s.Attempt),
	)
	e.close(ctx, s, ReasonTimeout, now)
	e.scheduleRetry(ctx, s, now)
}

func (e *Engine) scheduleRetry(ctx context.Context, s *session, now time.Time) {
	if !e.active || s.Attempt > e.cfg.RetryCount || !e.retryable(s.PeerID) {
		return
	}
	peer, next := s.PeerID, s.Attempt+1
	at := now.Add(e.cfg.Backoff(s.Attempt))
	e.retries[peer] = e.timers.After(at, func(ctx context.Context, now time.Time) {
		delete(e.retries, peer)
		if !e.active || !e.retryable(peer) {
			e.log.Debug(ctx, "session retry skipped",
				logging.String("peer", peer.String()),
				logging.String("neighbor_state", e.table.State(peer).String()),
			)
			return
		}
		e.open(ctx, peer, next, now)
	})
	e.log.Debug(ctx, "session retry scheduled",
		logging.String("peer", peer.String()),
		logging.Int("attempt", next),
		logging.Any("at", at),
	)
}

// retryable reports whether peer is still a Confirmed neighbor in range.
// Peers that went Stale are not retried.
func (e *Engine) retryable(peer protocol.AgentID) bool {
	entry, ok := e.table.Get(peer)
	return ok && entry.State == protocol.NeighborConfirmed && entry.InRange
}

func (e *Engine) cancelRetry(peer protocol.AgentID) {
	if id, ok := e.retries[peer]; ok {
		e.timers.Cancel(id)
		delete(e.retries, peer)
	}
}

func (e *Engine) cancelTimeout(s *session) {
	if s.timeoutID != "" {
		e.timers.Cancel(s.timeoutID)
		s.timeoutID = ""
	}
}

// teardown moves s through Closing to Closed, sending one best-effort
// SessionTeardown on the way.
func (e *Engine) teardown(ctx context.Context, s *session, reason string, now time.Time) {
	e.setState(ctx, s, protocol.SessionClosing, now)
	e.out.Send(ctx, protocol.Unicast(protocol.KindSessionTeardown, s.PeerID))
	e.close(ctx, s, reason, now)
}

func (e *Engine) close(ctx context.Context, s *session, reason string, now time.Time) {
	if s.State == protocol.SessionClosed {
		return
	}
	e.cancelTimeout(s)
	s.ClosedAt = now
	s.CloseReason = reason
	e.setState(ctx, s, protocol.SessionClosed, now)

	if s.span != nil {
		s.span.SetAttributes(
			attribute.String("collab.close_reason", reason),
			attribute.Int64("collab.data_sent", int64(s.DataSent)),
			attribute.Int64("collab.data_received", int64(s.DataReceived)),
		)
		if s.EstablishedAt.IsZero() {
			s.span.SetStatus(codes.Error, reason)
		}
		s.span.End(trace.WithTimestamp(now))
		s.span = nil
	}
	e.log.Info(ctx, "session closed",
		logging.String("peer", s.PeerID.String()),
		logging.String("reason", reason),
	)
}

func (e *Engine) setState(ctx context.Context, s *session, to protocol.SessionState, now time.Time) {
	from := s.State
	if from == to {
		return
	}
	s.State = to
	if s.span != nil {
		s.span.AddEvent(to.String(), trace.WithTimestamp(now))
	}
	e.obs.SessionChanged(ctx, e.self, s.PeerID, from, to, now)
}

func (e *Engine) sendData(ctx context.Context, s *session, payload []byte) {
	msg := protocol.Unicast(protocol.KindData, s.PeerID)
	msg.Payload = payload
	e.out.Send(ctx, msg)
	s.DataSent++
}

func (e *Engine) reject(ctx context.Context, msg protocol.Message, now time.Time, kind protocol.AnomalyKind, detail string) {
	e.anomaly(ctx, protocol.NewAnomaly(kind, msg, now, detail))
	e.out.Send(ctx, protocol.Unicast(protocol.KindSessionReject, msg.Sender))
}

func (e *Engine) anomaly(ctx context.Context, a protocol.Anomaly) {
	fields := []logging.Field{
		logging.String("anomaly", string(a.Kind)),
		logging.String("peer", a.Peer.String()),
		logging.String("message", a.Message.String()),
	}
	switch a.Kind {
	case protocol.AnomalyDuplicateSeq, protocol.AnomalyClosedSession:
		e.log.Debug(ctx, "dropped session message", fields...)
	default:
		e.log.Warn(ctx, "dropped session message", append(fields, logging.String("detail", a.Detail))...)
	}
	e.obs.Anomaly(ctx, e.self, a)
}

func (e *Engine) peers() []protocol.AgentID {
	ids := make([]protocol.AgentID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
