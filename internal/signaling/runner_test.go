package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/signalingtest"
)

const waitShort = 2 * time.Second

// echoModule is a minimal module driven by client "action" commands. It
// records every event it sees so tests can assert on lifecycle delivery and
// teardown.
type echoModule struct {
	ns    string
	stall chan struct{}

	mu       sync.Mutex
	events   []signaling.Event
	destroys []bool
}

func (m *echoModule) record(ev signaling.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *echoModule) Events() []signaling.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signaling.Event(nil), m.events...)
}

func (m *echoModule) Destroys() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.destroys...)
}

func (m *echoModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	m.record(ev)
	if ev.Kind == signaling.EventLifecycle && ev.Lifecycle.Kind == signaling.LifecycleJoined &&
		ev.Lifecycle.Participant != sig.ParticipantID() {
		return signaling.Continue(), sig.SendToSelf(m.ns, map[string]any{
			"message": "peer_joined",
			"id":      ev.Lifecycle.Participant,
		})
	}
	if ev.Kind != signaling.EventClientCommand {
		return signaling.Continue(), nil
	}
	var cmd struct {
		Action string `json:"action"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(ev.Payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("bad_payload", err)
	}
	switch cmd.Action {
	case "echo":
		return signaling.Continue(), sig.SendToSelf(m.ns, map[string]string{"message": "echo", "text": cmd.Text})
	case "exit":
		return signaling.ExitModule(), nil
	case "hang_up":
		return signaling.CloseWithCode(signaling.CloseNormal, "done"), nil
	case "fail":
		return signaling.Continue(), signaling.NewModuleError("echo_failed", nil)
	case "stall":
		<-m.stall
		return signaling.Continue(), nil
	}
	return signaling.Continue(), nil
}

func (m *echoModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	if req.Kind == signaling.ExtensionJoinState {
		return map[string]bool{"ready": true}, nil
	}
	return nil, nil
}

func (m *echoModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	m.mu.Lock()
	m.destroys = append(m.destroys, destroyRoom)
	m.mu.Unlock()
}

// echoFactory builds one echoModule per connection and keeps every built
// instance for inspection.
type echoFactory struct {
	ns       string
	deps     []string
	features []domain.FeatureID
	stall    chan struct{}

	mu    sync.Mutex
	built []*echoModule
}

func (f *echoFactory) Namespace() string                    { return f.ns }
func (f *echoFactory) Dependencies() []string               { return f.deps }
func (f *echoFactory) RequiredFeatures() []domain.FeatureID { return f.features }

func (f *echoFactory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	m := &echoModule{ns: f.ns, stall: f.stall}
	f.mu.Lock()
	f.built = append(f.built, m)
	f.mu.Unlock()
	return m, nil
}

func (f *echoFactory) Instances() []*echoModule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*echoModule(nil), f.built...)
}

// stubRooms serves a fixed RoomInfo for every lookup.
type stubRooms struct {
	info signaling.RoomInfo
	err  error
}

func (s *stubRooms) RoomInfo(ctx context.Context, id domain.RoomID) (signaling.RoomInfo, error) {
	return s.info, s.err
}

// harness wires one room's worth of shared collaborators plus as many
// transports as the test needs.
type harness struct {
	t        *testing.T
	room     domain.RoomID
	storage  *signalingtest.Storage
	exchange *signalingtest.Exchange
	tickets  *signaling.TicketStore
	registry *signaling.Registry
	rooms    *stubRooms
	control  *echoFactory

	destroyMu sync.Mutex
	destroyed []domain.RoomID
}

func newHarness(t *testing.T) *harness {
	storage := signalingtest.NewStorage()
	control := &echoFactory{ns: signaling.ControlNamespace}
	registry := signaling.NewRegistry()
	registry.MustRegister(control)
	return &harness{
		t:        t,
		room:     domain.NewRoomID(),
		storage:  storage,
		exchange: signalingtest.NewExchange(),
		tickets:  signaling.NewTicketStore(storage),
		registry: registry,
		rooms: &stubRooms{info: signaling.RoomInfo{
			Tariff:   &domain.Tariff{Name: "standard", MaxParticipants: 10},
			Features: domain.NewFeatureSet(),
		}},
		control: control,
	}
}

func (h *harness) deps() signaling.RunnerDeps {
	return signaling.RunnerDeps{
		Registry: h.registry,
		Storage:  h.storage,
		Exchange: h.exchange,
		Tickets:  h.tickets,
		Rooms:    h.rooms,
		OnRoomDestroyed: func(ctx context.Context, room domain.RoomID) {
			h.destroyMu.Lock()
			h.destroyed = append(h.destroyed, room)
			h.destroyMu.Unlock()
		},
	}
}

func (h *harness) destroyedRooms() []domain.RoomID {
	h.destroyMu.Lock()
	defer h.destroyMu.Unlock()
	return append([]domain.RoomID(nil), h.destroyed...)
}

func (h *harness) issueTicket(role domain.Role) (string, signaling.TicketData) {
	h.t.Helper()
	token, data, err := h.tickets.Issue(context.Background(), signaling.TicketData{
		Room:        h.room,
		User:        domain.NewUserID(),
		Role:        role,
		DisplayName: "alice",
	}, time.Minute)
	require.NoError(h.t, err)
	return token, data
}

// startRunner runs a runner in the background and returns a channel closed
// when Run returned.
func startRunner(r *signaling.Runner) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitShort):
		t.Fatal("runner did not terminate in time")
	}
}

// joinSuccess injects the join frame and decodes the join_success payload.
func joinSuccess(t *testing.T, tr *signalingtest.Transport, ticket string) map[string]any {
	t.Helper()
	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok, "no control reply to join")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "join_success", payload["message"], "join was refused: %v", payload)
	return payload
}

func TestRunner_Join_Success(t *testing.T) {
	h := newHarness(t)
	ticket, data := h.issueTicket(domain.RoleModerator)

	tr := signalingtest.NewTransport()
	r := signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{})
	done := startRunner(r)

	payload := joinSuccess(t, tr, ticket)
	assert.Equal(t, "alice", payload["display_name"])
	assert.Equal(t, string(domain.RoleModerator), payload["role"])
	assert.Equal(t, data.Resumption, payload["resumption"])
	assert.NotEmpty(t, payload["id"])

	modules, ok := payload["modules"].(map[string]any)
	require.True(t, ok, "join_success must carry the module snapshot")
	assert.Contains(t, modules, signaling.ControlNamespace)

	// The participant is present for peers.
	members, err := h.storage.SetMembers(context.Background(), signaling.PresenceKey(h.room))
	require.NoError(t, err)
	assert.Equal(t, []string{string(r.ParticipantID())}, members)

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)

	assert.Equal(t, signaling.StateTerminated, r.State())
	assert.Equal(t, signaling.CloseNormal, tr.CloseInfo().Code)
	assert.True(t, r.DestroyedRoom(), "last participant out destroys the room")
	assert.Equal(t, []domain.RoomID{h.room}, h.destroyedRooms())

	members, err = h.storage.SetMembers(context.Background(), signaling.PresenceKey(h.room))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRunner_Join_InvalidTicket(t *testing.T) {
	h := newHarness(t)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": "bogus"})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	var blocked struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &blocked))
	assert.Equal(t, "join_blocked", blocked.Message)
	assert.Equal(t, "invalid_ticket", blocked.Reason)

	waitDone(t, done)
	assert.Equal(t, signaling.CloseBadTicket, tr.CloseInfo().Code)

	members, err := h.storage.SetMembers(context.Background(), signaling.PresenceKey(h.room))
	require.NoError(t, err)
	assert.Empty(t, members, "refused joins must not touch presence")
}

func TestRunner_Join_TicketIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	done1 := startRunner(signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{}))
	joinSuccess(t, tr1, ticket)

	tr2 := signalingtest.NewTransport()
	done2 := startRunner(signaling.NewRunner(tr2, h.deps(), signaling.RunnerConfig{}))
	tr2.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket})
	env, ok := tr2.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "invalid_ticket")
	waitDone(t, done2)
	assert.Equal(t, signaling.CloseBadTicket, tr2.CloseInfo().Code)

	tr1.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done1)
}

func TestRunner_Join_WrongFirstFrame(t *testing.T) {
	h := newHarness(t)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))

	tr.InjectEnvelope("chat", map[string]string{"action": "send"})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "invalid_join")

	waitDone(t, done)
	assert.Equal(t, signaling.CloseBadTicket, tr.CloseInfo().Code)
}

func TestRunner_Join_Timeout(t *testing.T) {
	h := newHarness(t)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{JoinTimeout: 30 * time.Millisecond}))

	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "join_timeout")

	waitDone(t, done)
	assert.Equal(t, signaling.CloseTimeout, tr.CloseInfo().Code)
}

func TestRunner_Join_BannedUser(t *testing.T) {
	h := newHarness(t)
	ticket, _, err := h.tickets.Issue(context.Background(), signaling.TicketData{
		Room:        h.room,
		User:        "banned-user",
		Role:        domain.RoleUser,
		DisplayName: "mallory",
	}, time.Minute)
	require.NoError(t, err)
	_, err = h.storage.AddToSet(context.Background(), signaling.BanKey(h.room), "banned-user")
	require.NoError(t, err)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "banned")

	waitDone(t, done)
	assert.Equal(t, signaling.ClosePolicyViolation, tr.CloseInfo().Code)
}

func TestRunner_Join_RoomFull(t *testing.T) {
	h := newHarness(t)
	h.rooms.info.Tariff = &domain.Tariff{Name: "tiny", MaxParticipants: 1}
	_, err := h.storage.AddToSet(context.Background(), signaling.PresenceKey(h.room), string(domain.NewParticipantID()))
	require.NoError(t, err)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "room_full")

	waitDone(t, done)
	assert.Equal(t, signaling.ClosePolicyViolation, tr.CloseInfo().Code)
}

func TestRunner_Join_ClosedRoom(t *testing.T) {
	h := newHarness(t)
	h.rooms.info.Closed = true
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "invalid_ticket")

	waitDone(t, done)
	assert.Equal(t, signaling.CloseBadTicket, tr.CloseInfo().Code)
}

func TestRunner_UnknownNamespace_KeepsConnection(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	r := signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{})
	done := startRunner(r)
	joinSuccess(t, tr, ticket)

	tr.InjectEnvelope("bogus", map[string]string{"action": "whatever"})
	env, ok := tr.WaitEnvelope("bogus", waitShort)
	require.True(t, ok)
	var errPayload signaling.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, "error", errPayload.Message)
	assert.Equal(t, "unknown_namespace", errPayload.Error)

	// Still alive and routing.
	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "echo", "text": "ping"})
	env, ok = tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "ping")

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)
}

func TestRunner_ModuleError_SendsErrorEvent(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))
	joinSuccess(t, tr, ticket)

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "fail"})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	var errPayload signaling.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, "echo_failed", errPayload.Error)

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)
}

func TestRunner_ModuleClose_DrainsConnection(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	r := signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{})
	done := startRunner(r)
	joinSuccess(t, tr, ticket)

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "hang_up"})
	waitDone(t, done)

	assert.Equal(t, signaling.CloseNormal, tr.CloseInfo().Code)
	assert.Equal(t, "done", tr.CloseInfo().Reason)
	assert.Equal(t, signaling.StateTerminated, r.State())
}

func TestRunner_ModuleExit_RemovesOnlyThatModule(t *testing.T) {
	h := newHarness(t)
	extra := &echoFactory{ns: "extra"}
	h.registry.MustRegister(extra)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))
	payload := joinSuccess(t, tr, ticket)
	modules := payload["modules"].(map[string]any)
	assert.Contains(t, modules, "extra")

	tr.InjectEnvelope("extra", map[string]string{"action": "exit"})
	// The exited namespace now behaves as unknown.
	tr.InjectEnvelope("extra", map[string]string{"action": "echo", "text": "hi"})
	env, ok := tr.WaitEnvelope("extra", waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "unknown_namespace")

	// Control is untouched.
	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "echo", "text": "still here"})
	env, ok = tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "still here")

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)
}

func TestRunner_FeatureGate_SkipsModule(t *testing.T) {
	h := newHarness(t)
	gated := &echoFactory{ns: "gated", features: []domain.FeatureID{"premium"}}
	h.registry.MustRegister(gated)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))
	payload := joinSuccess(t, tr, ticket)

	modules := payload["modules"].(map[string]any)
	assert.NotContains(t, modules, "gated")
	assert.Empty(t, gated.Instances(), "gated factory must not be built")

	tr.InjectEnvelope("gated", map[string]string{"action": "echo"})
	env, ok := tr.WaitEnvelope("gated", waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "unknown_namespace")

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)
}

func TestRunner_PayloadTooLarge_SendsError(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{MaxPayload: 128}))
	joinSuccess(t, tr, ticket)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "echo", "text": string(big)})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "payload_too_large")

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)
}

func TestRunner_HardDeadline_DrainsStuckModule(t *testing.T) {
	h := newHarness(t)
	h.control.stall = make(chan struct{})
	defer close(h.control.stall)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	r := signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{
		SoftDeadline: 10 * time.Millisecond,
		HardDeadline: 50 * time.Millisecond,
	})
	done := startRunner(r)
	joinSuccess(t, tr, ticket)

	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "stall"})
	waitDone(t, done)

	assert.Equal(t, signaling.CloseInternalError, tr.CloseInfo().Code)
	assert.Equal(t, "module stuck", tr.CloseInfo().Reason)
}

func TestRunner_UncleanDisconnect_ArmsResumption(t *testing.T) {
	h := newHarness(t)
	ticket, data := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	r1 := signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{})
	done1 := startRunner(r1)
	joinSuccess(t, tr1, ticket)
	participant := r1.ParticipantID()

	tr1.Disconnect(1006, "network dropped", false)
	waitDone(t, done1)

	// Presence survives the grace period, the room is not destroyed.
	members, err := h.storage.SetMembers(context.Background(), signaling.PresenceKey(h.room))
	require.NoError(t, err)
	assert.Equal(t, []string{string(participant)}, members)
	assert.False(t, r1.DestroyedRoom())
	assert.Empty(t, h.destroyedRooms())

	// Reclaim with the resumption token keeps the participant id.
	tr2 := signalingtest.NewTransport()
	r2 := signaling.NewRunner(tr2, h.deps(), signaling.RunnerConfig{})
	done2 := startRunner(r2)
	tr2.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "resumption": data.Resumption})
	env, ok := tr2.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "join_success", payload["message"])
	assert.Equal(t, string(participant), payload["id"])
	assert.Equal(t, participant, r2.ParticipantID())

	members, err = h.storage.SetMembers(context.Background(), signaling.PresenceKey(h.room))
	require.NoError(t, err)
	assert.Len(t, members, 1, "resumption must not duplicate presence")

	tr2.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done2)
	assert.True(t, r2.DestroyedRoom())
}

func TestRunner_ResumptionToken_IsSingleUse(t *testing.T) {
	h := newHarness(t)
	ticket, data := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	done1 := startRunner(signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{}))
	joinSuccess(t, tr1, ticket)
	tr1.Disconnect(1006, "network dropped", false)
	waitDone(t, done1)

	tr2 := signalingtest.NewTransport()
	done2 := startRunner(signaling.NewRunner(tr2, h.deps(), signaling.RunnerConfig{}))
	tr2.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "resumption": data.Resumption})
	env, ok := tr2.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	require.Contains(t, string(env.Payload), "join_success")

	// A second reclaim without a ticket is refused.
	tr3 := signalingtest.NewTransport()
	done3 := startRunner(signaling.NewRunner(tr3, h.deps(), signaling.RunnerConfig{}))
	tr3.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "resumption": data.Resumption})
	env, ok = tr3.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "invalid_ticket")
	waitDone(t, done3)
	assert.Equal(t, signaling.CloseBadTicket, tr3.CloseInfo().Code)

	tr2.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done2)
}

func TestRunner_SessionReplaced_OldConnectionDrains(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	r1 := signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{})
	done1 := startRunner(r1)
	joinSuccess(t, tr1, ticket)
	participant := r1.ParticipantID()

	// The client reconnects while the server still considers the old
	// connection live, as after a silent network flap.
	token := "reclaim-token"
	require.NoError(t, h.tickets.Arm(context.Background(), token, signaling.ResumptionData{
		Room:        h.room,
		Participant: participant,
		Role:        domain.RoleUser,
		DisplayName: "alice",
	}, time.Minute))

	tr2 := signalingtest.NewTransport()
	r2 := signaling.NewRunner(tr2, h.deps(), signaling.RunnerConfig{})
	done2 := startRunner(r2)
	tr2.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "resumption": token})
	env, ok := tr2.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	require.Contains(t, string(env.Payload), "join_success")

	// The old runner is told to make way and winds down silently.
	waitDone(t, done1)
	assert.Equal(t, signaling.CloseNoParallelSessions, tr1.CloseInfo().Code)
	assert.False(t, r1.DestroyedRoom())

	members, err := h.storage.SetMembers(context.Background(), signaling.PresenceKey(h.room))
	require.NoError(t, err)
	assert.Equal(t, []string{string(participant)}, members, "presence belongs to the successor")

	tr2.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done2)
	assert.True(t, r2.DestroyedRoom())
}

func TestRunner_TwoParticipants_LastOneDestroysRoom(t *testing.T) {
	h := newHarness(t)
	ticket1, _ := h.issueTicket(domain.RoleModerator)
	ticket2, _ := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	r1 := signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{})
	done1 := startRunner(r1)
	joinSuccess(t, tr1, ticket1)

	tr2 := signalingtest.NewTransport()
	r2 := signaling.NewRunner(tr2, h.deps(), signaling.RunnerConfig{})
	done2 := startRunner(r2)
	joinSuccess(t, tr2, ticket2)

	// The first participant sees the second one join.
	env, ok := tr1.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	_ = env

	tr1.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done1)
	assert.False(t, r1.DestroyedRoom(), "peers remain, room state stays")
	assert.Empty(t, h.destroyedRooms())

	tr2.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done2)
	assert.True(t, r2.DestroyedRoom())
	assert.Equal(t, []domain.RoomID{h.room}, h.destroyedRooms())

	// Exactly one instance saw destroyRoom=true during teardown.
	var destroys []bool
	for _, m := range h.control.Instances() {
		destroys = append(destroys, m.Destroys()...)
	}
	require.Len(t, destroys, 2)
	assert.Equal(t, 1, countTrue(destroys))
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

func TestRunner_LifecycleEvents_ReachAllModules(t *testing.T) {
	h := newHarness(t)
	extra := &echoFactory{ns: "extra"}
	h.registry.MustRegister(extra)
	ticket1, _ := h.issueTicket(domain.RoleModerator)
	ticket2, _ := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	r1 := signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{})
	done1 := startRunner(r1)
	joinSuccess(t, tr1, ticket1)

	tr2 := signalingtest.NewTransport()
	r2 := signaling.NewRunner(tr2, h.deps(), signaling.RunnerConfig{})
	done2 := startRunner(r2)
	joinSuccess(t, tr2, ticket2)

	// Wait until the first connection forwarded the peer join.
	_, ok := tr1.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)

	joined := func(m *echoModule, p domain.ParticipantID) bool {
		for _, ev := range m.Events() {
			if ev.Kind == signaling.EventLifecycle && ev.Lifecycle.Kind == signaling.LifecycleJoined && ev.Lifecycle.Participant == p {
				return true
			}
		}
		return false
	}
	require.NotEmpty(t, extra.Instances())
	first := extra.Instances()[0]
	assert.Eventually(t, func() bool { return joined(first, r2.ParticipantID()) },
		waitShort, 10*time.Millisecond, "extra module on the first connection must see the peer join")

	tr2.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done2)
	tr1.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done1)
}

func TestRunner_CleanDisconnect_TerminatesPromptly(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	r := signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{})
	done := startRunner(r)
	joinSuccess(t, tr, ticket)

	start := time.Now()
	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)

	// The drain must not sit out the teardown timeout waiting for a close
	// the loop already observed.
	assert.Less(t, time.Since(start), time.Second, "teardown after a client close must be immediate")
	assert.Equal(t, signaling.StateTerminated, r.State())
}

func TestRunner_ClientCommands_DispatchInOrder(t *testing.T) {
	h := newHarness(t)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))
	joinSuccess(t, tr, ticket)

	const n = 25
	for i := 0; i < n; i++ {
		tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "echo", "text": fmt.Sprintf("seq-%02d", i)})
	}

	var got []string
	for len(got) < n {
		env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
		require.True(t, ok, "reply %d never arrived", len(got))
		var reply struct {
			Message string `json:"message"`
			Text    string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &reply))
		if reply.Message != "echo" {
			continue
		}
		got = append(got, reply.Text)
	}

	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("seq-%02d", i))
	}
	assert.Equal(t, want, got, "commands in one namespace must come back in submission order")

	tr.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done)
}

func TestRunner_Join_RoomFull_RefusesWithoutBackoff(t *testing.T) {
	h := newHarness(t)
	h.rooms.info.Tariff = &domain.Tariff{Name: "tiny", MaxParticipants: 1}
	_, err := h.storage.AddToSet(context.Background(), signaling.PresenceKey(h.room), string(domain.NewParticipantID()))
	require.NoError(t, err)
	ticket, _ := h.issueTicket(domain.RoleUser)

	tr := signalingtest.NewTransport()
	done := startRunner(signaling.NewRunner(tr, h.deps(), signaling.RunnerConfig{}))

	start := time.Now()
	tr.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket})
	env, ok := tr.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "room_full")

	// A full room is a final answer, not a transient storage failure; the
	// refusal must not burn retry backoff first.
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	waitDone(t, done)
	assert.Equal(t, signaling.ClosePolicyViolation, tr.CloseInfo().Code)
}

// brokenFactory fails every Build, taking the whole join down with it.
type brokenFactory struct{ ns string }

func (f *brokenFactory) Namespace() string                    { return f.ns }
func (f *brokenFactory) Dependencies() []string               { return nil }
func (f *brokenFactory) RequiredFeatures() []domain.FeatureID { return nil }

func (f *brokenFactory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return nil, errors.New("broken module")
}

func TestRunner_FailedJoin_DoesNotAnnounceLeaveToPeers(t *testing.T) {
	h := newHarness(t)
	ticket1, _ := h.issueTicket(domain.RoleModerator)
	ticket2, _ := h.issueTicket(domain.RoleUser)
	ticket3, _ := h.issueTicket(domain.RoleUser)

	tr1 := signalingtest.NewTransport()
	done1 := startRunner(signaling.NewRunner(tr1, h.deps(), signaling.RunnerConfig{}))
	joinSuccess(t, tr1, ticket1)

	// The second participant shares the room but its module set cannot be
	// built, so the join is torn down before it was ever announced.
	badRegistry := signaling.NewRegistry()
	badRegistry.MustRegister(&echoFactory{ns: signaling.ControlNamespace})
	badRegistry.MustRegister(&brokenFactory{ns: "broken"})
	badDeps := h.deps()
	badDeps.Registry = badRegistry

	tr2 := signalingtest.NewTransport()
	r2 := signaling.NewRunner(tr2, badDeps, signaling.RunnerConfig{})
	done2 := startRunner(r2)
	tr2.InjectEnvelope(signaling.ControlNamespace, map[string]string{"action": "join", "ticket": ticket2})
	env, ok := tr2.WaitEnvelope(signaling.ControlNamespace, waitShort)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "join_blocked")
	waitDone(t, done2)
	assert.Equal(t, signaling.CloseInternalError, tr2.CloseInfo().Code)

	// A third successful join is a fence: its announcement was published
	// after anything the failed join might have sent.
	tr3 := signalingtest.NewTransport()
	r3 := signaling.NewRunner(tr3, h.deps(), signaling.RunnerConfig{})
	done3 := startRunner(r3)
	joinSuccess(t, tr3, ticket3)

	require.NotEmpty(t, h.control.Instances())
	first := h.control.Instances()[0]
	sawJoin := func(p domain.ParticipantID) bool {
		for _, ev := range first.Events() {
			if ev.Kind == signaling.EventLifecycle && ev.Lifecycle.Kind == signaling.LifecycleJoined && ev.Lifecycle.Participant == p {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return sawJoin(r3.ParticipantID()) },
		waitShort, 10*time.Millisecond)

	for _, ev := range first.Events() {
		if ev.Kind == signaling.EventLifecycle && ev.Lifecycle.Kind == signaling.LifecycleLeft {
			assert.NotEqual(t, r2.ParticipantID(), ev.Lifecycle.Participant,
				"a join that was never announced must not announce a leave")
		}
	}

	tr3.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done3)
	tr1.Disconnect(signaling.CloseNormal, "leaving", true)
	waitDone(t, done1)
}
