package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// State is the phase of the per-connection state machine.
type State int

const (
	StateAccepting State = iota
	StateJoining
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateJoining:
		return "joining"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "terminated"
	}
}

// RoomInfo is what the runner needs to know about a room before letting a
// participant in. Loaded from persistent storage.
type RoomInfo struct {
	Tariff   *domain.Tariff
	Features domain.FeatureSet
	Closed   bool
}

// RoomInfoSource loads room metadata at join time.
type RoomInfoSource interface {
	RoomInfo(ctx context.Context, id domain.RoomID) (RoomInfo, error)
}

// RunnerConfig tunes the dispatch core.
type RunnerConfig struct {
	// JoinTimeout bounds the Accepting phase.
	JoinTimeout time.Duration
	// SoftDeadline logs a warning when a module invocation exceeds it.
	SoftDeadline time.Duration
	// HardDeadline forces the connection into Draining when exceeded.
	HardDeadline time.Duration
	// ResumptionTTL is the grace period for reclaiming a ParticipantID after
	// an unclean disconnect.
	ResumptionTTL time.Duration
	// TeardownTimeout bounds module destruction and task cancellation.
	TeardownTimeout time.Duration
	// MaxPayload caps a single envelope payload.
	MaxPayload int
}

func (c *RunnerConfig) applyDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = 5 * time.Second
	}
	if c.HardDeadline <= 0 {
		c.HardDeadline = 30 * time.Second
	}
	if c.ResumptionTTL <= 0 {
		c.ResumptionTTL = 30 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 64 * 1024
	}
}

// RunnerDeps are the shared collaborator surfaces a runner plugs its modules
// into.
type RunnerDeps struct {
	Registry *Registry
	Storage  Storage
	Exchange Exchange
	Authz    Authz
	Assets   AssetStore
	Tickets  *TicketStore
	Rooms    RoomInfoSource
	Clock    Clock
	Log      *logrus.Entry
	// OnRoomDestroyed fires on the runner that observed destroy_room=true,
	// after module teardown. Used to enqueue room cleanup jobs.
	OnRoomDestroyed func(ctx context.Context, room domain.RoomID)
}

type builtModule struct {
	namespace string
	module    Module
}

// drainSpec describes how a connection winds down.
type drainSpec struct {
	code          int
	reason        string
	keepPresence  bool // replaced sessions leave presence to the successor
	armResumption bool // unclean disconnects reserve the participant id
	announceLeft  bool
}

// joinRequest is the payload of the single allowed frame in Accepting.
type joinRequest struct {
	Action     string `json:"action"`
	Ticket     string `json:"ticket"`
	Resumption string `json:"resumption,omitempty"`
}

// joinBlocked is the reply when a join is refused.
type joinBlocked struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Runner is the per-connection dispatch core: it owns the ordered list of
// instantiated modules, the shared Context, the inbound event stream, the
// outbound sink and the termination protocol. Module callbacks are strictly
// serialized; a module may treat its state as single-threaded.
type Runner struct {
	deps   RunnerDeps
	cfg    RunnerConfig
	tr     Transport
	connID string
	log    *logrus.Entry

	state       State
	sig         *Context
	ticket      TicketData
	participant domain.ParticipantID
	resumed     bool

	built         []builtModule
	active        map[string]Module
	skipped       map[string]string
	sub           Subscription
	destroyedRoom bool
}

// NewRunner wires a runner for one accepted transport.
func NewRunner(tr Transport, deps RunnerDeps, cfg RunnerConfig) *Runner {
	if tr == nil {
		panic("transport cannot be nil for NewRunner")
	}
	if deps.Registry == nil || deps.Storage == nil || deps.Exchange == nil || deps.Tickets == nil || deps.Rooms == nil {
		panic("registry, storage, exchange, tickets and rooms cannot be nil for NewRunner")
	}
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Authz == nil {
		deps.Authz = NewRoleAuthz()
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	connID := uuid.NewString()
	return &Runner{
		deps:    deps,
		cfg:     cfg,
		tr:      tr,
		connID:  connID,
		log:     deps.Log.WithFields(logrus.Fields{"component": "runner", "conn_id": connID}),
		state:   StateAccepting,
		active:  make(map[string]Module),
		skipped: make(map[string]string),
	}
}

// State returns the current phase. Safe to call only from the Run goroutine
// or after Run returned.
func (r *Runner) State() State { return r.state }

// ParticipantID is the id bound at join; empty before.
func (r *Runner) ParticipantID() domain.ParticipantID { return r.participant }

// DestroyedRoom reports whether this runner observed destroy_room=true.
func (r *Runner) DestroyedRoom() bool { return r.destroyedRoom }

// Run drives the connection from Accepting to Terminated. It blocks until
// the connection is fully wound down.
func (r *Runner) Run(ctx context.Context) {
	req, ok := r.accept(ctx)
	if !ok {
		return
	}
	spec, ok := r.join(ctx, req)
	if !ok {
		return
	}
	if spec == nil {
		r.state = StateRunning
		spec = r.loop(ctx)
	}
	r.drain(ctx, *spec)
}

// refuse sends a join_blocked reply and terminates without touching room
// state.
func (r *Runner) refuse(reason string, code int) {
	if err := r.sendRaw(ControlNamespace, joinBlocked{Message: "join_blocked", Reason: reason}); err != nil {
		r.log.WithError(err).Debug("Failed to send join_blocked")
	}
	r.tr.Close(code, reason)
	r.awaitTransport()
	r.state = StateTerminated
}

// sendRaw writes an envelope straight to the transport; used before the
// Context exists.
func (r *Runner) sendRaw(namespace string, payload any) error {
	frame, err := EncodeEnvelope(namespace, payload, r.deps.Clock())
	if err != nil {
		return err
	}
	return r.tr.Send(frame)
}

func (r *Runner) awaitTransport() {
	select {
	case <-r.tr.Done():
	case <-time.After(r.cfg.TeardownTimeout):
	}
}

// accept waits for the single Join frame.
func (r *Runner) accept(ctx context.Context) (joinRequest, bool) {
	timeout := time.NewTimer(r.cfg.JoinTimeout)
	defer timeout.Stop()

	select {
	case frame, ok := <-r.tr.Recv():
		if !ok {
			r.awaitTransport()
			r.state = StateTerminated
			return joinRequest{}, false
		}
		env, err := DecodeEnvelope(frame.Data, r.cfg.MaxPayload)
		if err != nil || env.Namespace != ControlNamespace {
			r.refuse("invalid_join", CloseBadTicket)
			return joinRequest{}, false
		}
		var req joinRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.Action != "join" {
			r.refuse("invalid_join", CloseBadTicket)
			return joinRequest{}, false
		}
		return req, true
	case <-timeout.C:
		r.refuse("join_timeout", CloseTimeout)
		return joinRequest{}, false
	case <-r.tr.Done():
		r.state = StateTerminated
		return joinRequest{}, false
	case <-ctx.Done():
		r.tr.Close(CloseNormal, "server shutdown")
		r.awaitTransport()
		r.state = StateTerminated
		return joinRequest{}, false
	}
}

// join consumes the ticket, reserves presence and builds the module set. It
// returns (nil, true) on success, (spec, true) when the connection must go
// straight to draining, and (_, false) when it already terminated.
func (r *Runner) join(ctx context.Context, req joinRequest) (*drainSpec, bool) {
	r.state = StateJoining

	if ok := r.establishIdentity(ctx, req); !ok {
		return nil, false
	}
	log := r.log.WithFields(logrus.Fields{
		"room_id":        r.ticket.Room,
		"participant_id": r.participant,
		"resumed":        r.resumed,
	})
	r.log = log

	info, err := r.deps.Rooms.RoomInfo(ctx, r.ticket.Room)
	if err != nil || info.Closed {
		if err != nil {
			log.WithError(err).Warn("Room lookup failed during join")
		}
		r.refuse("invalid_ticket", CloseBadTicket)
		return nil, false
	}

	// Ban check before any room state is touched.
	if r.ticket.User != "" {
		banned, err := r.deps.Storage.InSet(ctx, BanKey(r.ticket.Room), string(r.ticket.User))
		if err != nil {
			log.WithError(err).Error("Ban check failed")
			r.refuse("internal_error", CloseInternalError)
			return nil, false
		}
		if banned {
			r.refuse("banned", ClosePolicyViolation)
			return nil, false
		}
	}

	if err := r.reservePresence(ctx, info); err != nil {
		switch {
		case errors.Is(err, ErrRoomFull):
			r.refuse("room_full", ClosePolicyViolation)
		case errors.Is(err, ErrTariffExceeded):
			r.refuse("tariff_exceeded", ClosePolicyViolation)
		default:
			log.WithError(err).Error("Presence reservation failed")
			r.refuse("internal_error", CloseInternalError)
		}
		return nil, false
	}

	// Mark this connection live; a previous holder of the same participant
	// id is told to make way.
	prev, err := r.deps.Tickets.MarkActive(ctx, r.ticket.Room, r.participant, r.connID, 0)
	if err != nil {
		log.WithError(err).Error("Failed to mark connection active")
		return r.failJoin(ctx, "internal_error"), true
	}

	r.sig = NewContext(ContextParams{
		Participant: r.participant,
		Room:        r.ticket.Room,
		Breakout:    r.ticket.Breakout,
		User:        r.ticket.User,
		Role:        r.ticket.Role,
		DisplayName: r.ticket.DisplayName,
		Features:    info.Features,
		Tariff:      info.Tariff,
		Resumed:     r.resumed,
		Storage:     r.deps.Storage,
		Exchange:    r.deps.Exchange,
		Authz:       r.deps.Authz,
		Assets:      r.deps.Assets,
		Transport:   r.tr,
		Clock:       r.deps.Clock,
		Log:         log,
	})

	scopes := []Scope{
		RoomScope(r.ticket.Room),
		ParticipantScope(r.participant),
		GlobalScope(),
	}
	if r.ticket.Breakout != "" {
		scopes = append(scopes, BreakoutScope(r.ticket.Breakout))
	}
	sub, err := r.deps.Exchange.Subscribe(ctx, scopes...)
	if err != nil {
		log.WithError(err).Error("Exchange subscription failed")
		return r.failJoin(ctx, "init_failed"), true
	}
	r.sub = sub

	if err := r.buildModules(ctx, info.Features); err != nil {
		log.WithError(err).Error("Module initialization failed")
		return r.failJoin(ctx, "init_failed"), true
	}
	r.sig.SetExtensionDispatcher(func(ctx context.Context, namespace string, req ExtensionRequest) (any, error) {
		m, ok := r.active[namespace]
		if !ok {
			return nil, ErrUnknownNamespace
		}
		return m.OnExtension(ctx, r.sig, req)
	})

	if prev != "" && prev != r.connID {
		// Tell the replaced runner to wind down silently.
		msg := PresenceMessage{Action: PresenceActionReplaced, Participant: r.participant, Conn: prev}
		if err := r.sig.Publish(ctx, ParticipantScope(r.participant), ControlNamespace, msg); err != nil {
			log.WithError(err).Warn("Failed to notify replaced session")
		}
	}

	r.announceJoin(ctx)
	return nil, true
}

// establishIdentity consumes the resumption token or the ticket, whichever
// applies, and fixes the participant id.
func (r *Runner) establishIdentity(ctx context.Context, req joinRequest) bool {
	if req.Resumption != "" {
		rd, err := r.deps.Tickets.RedeemResumption(ctx, req.Resumption)
		switch {
		case err == nil:
			r.resumed = true
			r.participant = rd.Participant
			r.ticket = TicketData{
				Room:        rd.Room,
				User:        rd.User,
				Role:        rd.Role,
				DisplayName: rd.DisplayName,
				Resumption:  req.Resumption,
			}
			return true
		case errors.Is(err, ErrInvalidResumption), errors.Is(err, ErrResumptionConflict):
			// Fall back to the ticket when one was supplied.
			if req.Ticket == "" {
				r.refuse("invalid_ticket", CloseBadTicket)
				return false
			}
		default:
			r.log.WithError(err).Error("Resumption redemption failed")
			r.refuse("internal_error", CloseInternalError)
			return false
		}
	}
	td, err := r.deps.Tickets.Redeem(ctx, req.Ticket)
	if err != nil {
		if errors.Is(err, ErrInvalidTicket) {
			r.refuse("invalid_ticket", CloseBadTicket)
		} else {
			r.log.WithError(err).Error("Ticket redemption failed")
			r.refuse("internal_error", CloseInternalError)
		}
		return false
	}
	r.ticket = td
	r.participant = domain.NewParticipantID()
	return true
}

// reservePresence atomically adds the participant to the room's presence set,
// honoring the tariff participant cap.
func (r *Runner) reservePresence(ctx context.Context, info RoomInfo) error {
	key := PresenceKey(r.ticket.Room)
	max := 0
	if info.Tariff != nil {
		max = info.Tariff.MaxParticipants
	}
	return withRetry(ctx, func() error {
		return r.deps.Storage.Transact(ctx, []string{key}, func(tx Tx) error {
			members, err := tx.SetMembers(key)
			if err != nil {
				return err
			}
			present := false
			for _, m := range members {
				if m == string(r.participant) {
					present = true
					break
				}
			}
			if !present && !r.resumed && max > 0 && len(members) >= max {
				return ErrRoomFull
			}
			tx.AddToSet(key, string(r.participant))
			return nil
		})
	})
}

// failJoin tears down whatever the partial join already created and reports
// the init failure to the client. A fresh join was never announced to
// peers, so no leave is published for it; a failed resumption drops a
// participant peers still consider present, which does get announced.
func (r *Runner) failJoin(ctx context.Context, reason string) *drainSpec {
	if err := r.sendRaw(ControlNamespace, joinBlocked{Message: "join_blocked", Reason: reason}); err != nil {
		r.log.WithError(err).Debug("Failed to send join_blocked")
	}
	return &drainSpec{code: CloseInternalError, reason: reason, announceLeft: r.resumed}
}

// buildModules instantiates the registry's module set in declared order.
func (r *Runner) buildModules(ctx context.Context, features domain.FeatureSet) error {
	for _, f := range r.deps.Registry.Factories() {
		ns := f.Namespace()
		if feat, ok := featureGate(f, features); !ok {
			r.skipped[ns] = fmt.Sprintf("missing feature %q", feat)
			r.log.WithField("namespace", ns).Debugf("Module skipped: missing feature %q", feat)
			continue
		}
		fatal := ""
		for _, dep := range f.Dependencies() {
			if _, ok := r.active[dep]; !ok {
				if reason, skipped := r.skipped[dep]; skipped {
					fatal = fmt.Sprintf("dependency %q skipped (%s)", dep, reason)
				} else {
					fatal = fmt.Sprintf("dependency %q not built", dep)
				}
				break
			}
		}
		if fatal != "" {
			return fmt.Errorf("signaling: module %q: %s", ns, fatal)
		}
		m, err := f.Build(ctx, r.sig)
		if err != nil {
			if reason, ok := IsSkipModule(err); ok {
				r.skipped[ns] = reason
				r.log.WithField("namespace", ns).Debugf("Module skipped: %s", reason)
				continue
			}
			return fmt.Errorf("signaling: build module %q: %w", ns, err)
		}
		r.built = append(r.built, builtModule{namespace: ns, module: m})
		r.active[ns] = m
	}
	if _, ok := r.active[ControlNamespace]; !ok {
		return fmt.Errorf("signaling: control module missing from active set")
	}
	return nil
}

// announceJoin emits join_success with the per-module snapshot, announces the
// participant to the room and delivers the Joined lifecycle locally.
func (r *Runner) announceJoin(ctx context.Context) {
	snapshot := make(map[string]any, len(r.built))
	for _, bm := range r.built {
		state, err := bm.module.OnExtension(ctx, r.sig, ExtensionRequest{
			Kind:        ExtensionJoinState,
			Participant: r.participant,
		})
		if err != nil {
			r.log.WithError(err).WithField("namespace", bm.namespace).Warn("Join snapshot query failed")
			continue
		}
		if state != nil {
			snapshot[bm.namespace] = state
		}
	}
	payload := map[string]any{
		"message":      "join_success",
		"id":           r.participant,
		"display_name": r.ticket.DisplayName,
		"role":         r.sig.Role(),
		"resumption":   r.ticket.Resumption,
		"modules":      snapshot,
	}
	if err := r.sig.SendToSelf(ControlNamespace, payload); err != nil {
		r.log.WithError(err).Warn("Failed to send join_success")
	}

	if !r.resumed {
		msg := PresenceMessage{
			Action:      PresenceActionJoined,
			Participant: r.participant,
			DisplayName: r.ticket.DisplayName,
			Role:        r.sig.Role(),
		}
		if err := r.sig.Publish(ctx, RoomScope(r.ticket.Room), ControlNamespace, msg); err != nil {
			r.log.WithError(err).Warn("Failed to announce join")
		}
	}

	r.dispatchLifecycle(ctx, &LifecycleEvent{
		Kind:        LifecycleJoined,
		Participant: r.participant,
		Role:        r.sig.Role(),
		DisplayName: r.ticket.DisplayName,
	})
}

// loop is the Running phase: one cooperative loop draining client frames,
// exchange deliveries and internal events. Exactly one module invocation is
// in flight at any time.
func (r *Runner) loop(ctx context.Context) *drainSpec {
	for {
		select {
		case frame, ok := <-r.tr.Recv():
			if !ok {
				continue // Done carries the reason
			}
			if spec := r.handleClientFrame(ctx, frame); spec != nil {
				return spec
			}
		case d, ok := <-r.sub.C():
			if !ok {
				r.log.Error("Exchange subscription ended")
				return &drainSpec{code: CloseInternalError, reason: "exchange lost", announceLeft: true}
			}
			if spec := r.handleDelivery(ctx, d); spec != nil {
				return spec
			}
		case te := <-r.sig.internalEvents():
			if spec := r.route(ctx, te.namespace, te.event); spec != nil {
				return spec
			}
		case info := <-r.tr.Done():
			return r.specFromClose(info)
		case <-ctx.Done():
			return &drainSpec{code: CloseNormal, reason: "server shutdown", announceLeft: true}
		}
	}
}

// specFromClose maps a transport close to a drain plan. Unclean disconnects
// arm resumption so the participant can be reclaimed.
func (r *Runner) specFromClose(info CloseInfo) *drainSpec {
	if info.Clean {
		return &drainSpec{code: CloseNormal, reason: "leaving", announceLeft: true}
	}
	return &drainSpec{
		code:          info.Code,
		reason:        info.Reason,
		armResumption: true,
		announceLeft:  true, // suppressed again when arming succeeds
	}
}

func (r *Runner) handleClientFrame(ctx context.Context, frame Frame) *drainSpec {
	env, err := DecodeEnvelope(frame.Data, r.cfg.MaxPayload)
	if err != nil {
		code := "malformed_envelope"
		ns := ControlNamespace
		if errors.Is(err, ErrPayloadTooLarge) {
			code = "payload_too_large"
			if env.Namespace != "" {
				ns = env.Namespace
			}
		}
		if err := r.sig.SendToSelf(ns, NewErrorPayload(code)); err != nil {
			r.log.WithError(err).Debug("Failed to send codec error")
		}
		return nil
	}
	if _, ok := r.active[env.Namespace]; !ok {
		// Unknown namespace never closes the connection.
		if err := r.sig.SendToSelf(env.Namespace, NewErrorPayload("unknown_namespace")); err != nil {
			r.log.WithError(err).Debug("Failed to send unknown_namespace error")
		}
		return nil
	}
	return r.route(ctx, env.Namespace, Event{Kind: EventClientCommand, Payload: env.Payload})
}

func (r *Runner) handleDelivery(ctx context.Context, d Delivery) *drainSpec {
	msg, err := DecodeMessage(d.Data)
	if err != nil {
		r.log.WithError(err).Warn("Dropping undecodable exchange message")
		return nil
	}
	if msg.Namespace == ControlNamespace {
		if presence, ok := decodePresence(msg.Payload); ok {
			return r.handlePresence(ctx, presence)
		}
	}
	if _, ok := r.active[msg.Namespace]; !ok {
		r.log.WithField("namespace", msg.Namespace).Debug("Dropping exchange message for inactive namespace")
		return nil
	}
	return r.route(ctx, msg.Namespace, Event{
		Kind:    EventExchangeMessage,
		Payload: msg.Payload,
		Source:  msg.Source,
	})
}

// handlePresence translates runner-level presence traffic into lifecycle
// events for every module.
func (r *Runner) handlePresence(ctx context.Context, msg PresenceMessage) *drainSpec {
	switch msg.Action {
	case PresenceActionReplaced:
		if msg.Conn == r.connID {
			r.log.Info("Session replaced by a newer connection")
			return &drainSpec{code: CloseNoParallelSessions, reason: "session replaced", keepPresence: true}
		}
		return nil
	case PresenceActionJoined, PresenceActionLeft:
		if msg.Participant == r.participant {
			return nil // our own announcement echoing back
		}
		kind := LifecycleJoined
		if msg.Action == PresenceActionLeft {
			kind = LifecycleLeft
		}
		return r.dispatchLifecycle(ctx, &LifecycleEvent{
			Kind:        kind,
			Participant: msg.Participant,
			Role:        msg.Role,
			DisplayName: msg.DisplayName,
		})
	case PresenceActionRoleUpdated:
		if msg.Participant == r.participant {
			r.sig.SetRole(msg.Role)
		}
		return r.dispatchLifecycle(ctx, &LifecycleEvent{
			Kind:        LifecycleRoleChanged,
			Participant: msg.Participant,
			Role:        msg.Role,
		})
	}
	return nil
}

// dispatchLifecycle delivers a lifecycle event to every active module in
// build order.
func (r *Runner) dispatchLifecycle(ctx context.Context, ev *LifecycleEvent) *drainSpec {
	for _, bm := range r.built {
		if _, ok := r.active[bm.namespace]; !ok {
			continue
		}
		if spec := r.route(ctx, bm.namespace, Event{Kind: EventLifecycle, Lifecycle: ev}); spec != nil {
			return spec
		}
	}
	return nil
}

// route runs one module invocation under the soft/hard deadlines. The module
// runs in its own goroutine so a stuck module cannot wedge the runner, but
// the runner never starts a second invocation before the first finished.
func (r *Runner) route(ctx context.Context, ns string, ev Event) *drainSpec {
	m, ok := r.active[ns]
	if !ok {
		return nil
	}

	type result struct {
		ack Ack
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- result{err: fmt.Errorf("signaling: module %q panicked: %v", ns, rec)}
			}
		}()
		ack, err := m.OnEvent(ctx, r.sig, ev)
		resCh <- result{ack: ack, err: err}
	}()

	soft := time.NewTimer(r.cfg.SoftDeadline)
	hard := time.NewTimer(r.cfg.HardDeadline)
	defer soft.Stop()
	defer hard.Stop()

	for {
		select {
		case res := <-resCh:
			if res.err != nil {
				code := "internal_error"
				var merr *ModuleError
				if errors.As(res.err, &merr) {
					code = merr.Code
				}
				r.log.WithError(res.err).WithField("namespace", ns).Warn("Module event failed")
				if err := r.sig.SendToSelf(ns, NewErrorPayload(code)); err != nil {
					r.log.WithError(err).Debug("Failed to send module error")
				}
				return nil
			}
			switch res.ack.Kind {
			case AckExitModule:
				delete(r.active, ns)
				r.log.WithField("namespace", ns).Info("Module exited")
				return nil
			case AckClose:
				return &drainSpec{code: res.ack.Code, reason: res.ack.Reason, announceLeft: true}
			default:
				return nil
			}
		case <-soft.C:
			r.log.WithField("namespace", ns).Warnf("Module exceeded soft deadline (%s)", r.cfg.SoftDeadline)
		case <-hard.C:
			r.log.WithField("namespace", ns).Error("Module exceeded hard deadline, draining")
			return &drainSpec{code: CloseInternalError, reason: "module stuck", announceLeft: true}
		}
	}
}

// drain winds the connection down: presence removal (atomic with the
// last-participant determination), the leave announcement, ordered module
// teardown, task cancellation and the transport close.
func (r *Runner) drain(ctx context.Context, spec drainSpec) {
	r.state = StateDraining
	log := r.log.WithField("close_code", spec.code)

	// Deliveries arriving during the drain are consumed but no longer
	// dispatched; the goroutine exits when the subscription closes below.
	if r.sub != nil {
		sub := r.sub
		go func() {
			for range sub.C() {
			}
		}()
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
	defer cancel()

	destroyRoom := false
	announceLeft := spec.announceLeft

	if spec.armResumption && r.ticket.Resumption != "" {
		data := ResumptionData{
			Room:        r.ticket.Room,
			Participant: r.participant,
			User:        r.ticket.User,
			Role:        r.sig.Role(),
			DisplayName: r.ticket.DisplayName,
		}
		if err := r.deps.Tickets.Arm(teardownCtx, r.ticket.Resumption, data, r.cfg.ResumptionTTL); err != nil {
			log.WithError(err).Warn("Failed to arm resumption, leaving for real")
		} else {
			// The participant stays present for the grace period; the peers
			// see nothing.
			spec.keepPresence = true
			announceLeft = false
			log.Info("Resumption armed")
		}
	}

	if !spec.keepPresence {
		var removed bool
		var remaining int64
		err := withRetry(teardownCtx, func() error {
			var err error
			removed, remaining, err = r.deps.Storage.RemoveFromSet(teardownCtx, PresenceKey(r.ticket.Room), string(r.participant))
			return err
		})
		if err != nil {
			log.WithError(err).Error("Presence removal failed; room state may be dirty")
		} else {
			destroyRoom = removed && remaining == 0
		}
	}

	if announceLeft && !spec.keepPresence && r.sig != nil {
		msg := PresenceMessage{Action: PresenceActionLeft, Participant: r.participant}
		if err := r.sig.Publish(teardownCtx, RoomScope(r.ticket.Room), ControlNamespace, msg); err != nil {
			log.WithError(err).Warn("Failed to announce leave")
		}
	}

	if !spec.keepPresence {
		if err := r.deps.Tickets.ClearActive(teardownCtx, r.ticket.Room, r.participant, r.connID); err != nil {
			log.WithError(err).Warn("Failed to clear active marker")
		}
	}

	// Teardown in exact reverse order of successful build; each destroy is
	// idempotent and must not abort the chain.
	for i := len(r.built) - 1; i >= 0; i-- {
		bm := r.built[i]
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("namespace", bm.namespace).Errorf("Module destroy panicked: %v", rec)
				}
			}()
			bm.module.Destroy(teardownCtx, r.sig, destroyRoom)
		}()
	}

	if r.sig != nil {
		r.sig.CancelTasks(r.cfg.TeardownTimeout)
	}
	if r.sub != nil {
		if err := r.sub.Close(); err != nil {
			log.WithError(err).Debug("Failed to close exchange subscription")
		}
	}

	if destroyRoom {
		r.destroyedRoom = true
		log.Info("Last participant left, room state destroyed")
		if err := r.deps.Storage.Del(teardownCtx, PresenceKey(r.ticket.Room)); err != nil {
			log.WithError(err).Warn("Failed to drop presence key")
		}
		if r.deps.OnRoomDestroyed != nil {
			r.deps.OnRoomDestroyed(teardownCtx, r.ticket.Room)
		}
	}

	r.tr.Close(spec.code, spec.reason)
	r.awaitTransport()
	r.state = StateTerminated
	log.Info("Connection terminated")
}
