package signaling

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// Clock supplies the current time; injected for test determinism.
type Clock func() time.Time

// ContextParams collects everything a connection Context needs. Built by the
// runner; tests construct it directly.
type ContextParams struct {
	Participant domain.ParticipantID
	Room        domain.RoomID
	Breakout    domain.BreakoutRoomID
	User        domain.UserID
	Role        domain.Role
	DisplayName string
	Features    domain.FeatureSet
	Tariff      *domain.Tariff
	Resumed     bool

	Storage   Storage
	Exchange  Exchange
	Authz     Authz
	Assets    AssetStore
	Transport Transport
	Clock     Clock
	Log       *logrus.Entry
}

// Context is the capability handle passed into every module call. It is
// scoped to one connection; all cross-connection state goes through Storage
// and Exchange.
type Context struct {
	participant domain.ParticipantID
	room        domain.RoomID
	breakout    domain.BreakoutRoomID
	user        domain.UserID
	displayName string
	features    domain.FeatureSet
	tariff      *domain.Tariff
	resumed     bool

	roleMu sync.RWMutex
	role   domain.Role

	storage   Storage
	exchange  Exchange
	authz     Authz
	assets    AssetStore
	transport Transport
	clock     Clock
	log       *logrus.Entry

	internal chan taggedEvent

	extMu      sync.RWMutex
	extensions func(ctx context.Context, namespace string, req ExtensionRequest) (any, error)

	spawnCtx    context.Context
	spawnCancel context.CancelFunc
	spawnWG     sync.WaitGroup
}

// taggedEvent routes an internal event back to the module that spawned it.
type taggedEvent struct {
	namespace string
	event     Event
}

// NewContext builds a connection context. Spawned tasks live until
// CancelTasks is called.
func NewContext(p ContextParams) *Context {
	if p.Storage == nil || p.Exchange == nil || p.Transport == nil {
		panic("storage, exchange and transport cannot be nil for NewContext")
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Authz == nil {
		p.Authz = NewRoleAuthz()
	}
	if p.Log == nil {
		p.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	spawnCtx, cancel := context.WithCancel(context.Background())
	return &Context{
		participant: p.Participant,
		room:        p.Room,
		breakout:    p.Breakout,
		user:        p.User,
		displayName: p.DisplayName,
		features:    p.Features,
		tariff:      p.Tariff,
		resumed:     p.Resumed,
		role:        p.Role,
		storage:     p.Storage,
		exchange:    p.Exchange,
		authz:       p.Authz,
		assets:      p.Assets,
		transport:   p.Transport,
		clock:       p.Clock,
		log:         p.Log,
		internal:    make(chan taggedEvent, 64),
		spawnCtx:    spawnCtx,
		spawnCancel: cancel,
	}
}

func (c *Context) ParticipantID() domain.ParticipantID   { return c.participant }
func (c *Context) RoomID() domain.RoomID                 { return c.room }
func (c *Context) BreakoutRoomID() domain.BreakoutRoomID { return c.breakout }
func (c *Context) UserID() domain.UserID                 { return c.user }
func (c *Context) DisplayName() string                   { return c.displayName }
func (c *Context) Features() domain.FeatureSet           { return c.features }
func (c *Context) Tariff() *domain.Tariff                { return c.tariff }
func (c *Context) Resumed() bool                         { return c.resumed }
func (c *Context) Log() *logrus.Entry                    { return c.log }

// Role returns the participant's current role.
func (c *Context) Role() domain.Role {
	c.roleMu.RLock()
	defer c.roleMu.RUnlock()
	return c.role
}

// SetRole updates the role after a moderation change. Called by the control
// module when it applies a role update for this participant.
func (c *Context) SetRole(role domain.Role) {
	c.roleMu.Lock()
	c.role = role
	c.roleMu.Unlock()
}

// Subject renders the participant as an authz subject.
func (c *Context) Subject() Subject {
	return Subject{Participant: c.participant, User: c.user, Role: c.Role()}
}

// Now returns the injected clock's current time.
func (c *Context) Now() time.Time { return c.clock() }

// Volatile is the shared room-scoped store.
func (c *Context) Volatile() Storage { return c.storage }

// Authz is the policy facade.
func (c *Context) Authz() Authz { return c.authz }

// Key builds the volatile key ot:{room}:{namespace}:{key} for this room.
func (c *Context) Key(namespace, key string) string {
	return RoomKey(c.room, namespace, key)
}

// SendToSelf enqueues an outbound event for this participant's client,
// stamped and wrapped in the namespace's envelope. Ordering with every other
// event this connection sends is preserved.
func (c *Context) SendToSelf(namespace string, payload any) error {
	frame, err := EncodeEnvelope(namespace, payload, c.clock())
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}

// Publish fans a module payload out to every runner holding a matching
// participant. Transient exchange errors are retried with backoff.
func (c *Context) Publish(ctx context.Context, scope Scope, namespace string, payload any) error {
	data, err := EncodeMessage(namespace, c.participant, payload)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		return c.exchange.Publish(ctx, scope, data)
	})
}

// StoreAsset persists a blob for this room and returns its id.
func (c *Context) StoreAsset(ctx context.Context, namespace, mimeType string, r io.Reader) (domain.AssetID, error) {
	if c.assets == nil {
		return "", ErrStoreUnavailable
	}
	return c.assets.Store(ctx, c.room, namespace, mimeType, r)
}

// SetExtensionDispatcher installs the QueryModule backend. Called by the
// runner once the module set is built.
func (c *Context) SetExtensionDispatcher(fn func(ctx context.Context, namespace string, req ExtensionRequest) (any, error)) {
	c.extMu.Lock()
	c.extensions = fn
	c.extMu.Unlock()
}

// QueryModule delivers a typed request to another module on this connection
// through the dispatcher. Must only be called from within a module
// invocation; the target's OnExtension runs synchronously on the same
// dispatch turn, which keeps cross-module state changes serialized.
func (c *Context) QueryModule(ctx context.Context, namespace string, req ExtensionRequest) (any, error) {
	c.extMu.RLock()
	fn := c.extensions
	c.extMu.RUnlock()
	if fn == nil {
		return nil, ErrUnknownNamespace
	}
	return fn(ctx, namespace, req)
}

// Spawn detaches background work for the given namespace. The returned value
// re-enters the connection as an internal event for that namespace; a nil
// value with nil error produces no event. Tasks are cancelled at teardown
// through the passed context.
func (c *Context) Spawn(namespace string, fn func(ctx context.Context) (any, error)) {
	c.spawnWG.Add(1)
	go func() {
		defer c.spawnWG.Done()
		value, err := fn(c.spawnCtx)
		if err != nil {
			if c.spawnCtx.Err() == nil {
				c.log.WithError(err).WithField("namespace", namespace).Warn("Spawned task failed")
			}
			return
		}
		if value == nil {
			return
		}
		select {
		case c.internal <- taggedEvent{namespace: namespace, event: Event{Kind: EventInternal, Internal: value}}:
		case <-c.spawnCtx.Done():
		}
	}()
}

// internalEvents is the feed the runner drains for spawned-task results.
func (c *Context) internalEvents() <-chan taggedEvent { return c.internal }

// CancelTasks cancels all spawned tasks and waits briefly for them to wind
// down. Called once during teardown.
func (c *Context) CancelTasks(timeout time.Duration) {
	c.spawnCancel()
	done := make(chan struct{})
	go func() {
		c.spawnWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warn("Spawned tasks did not finish within teardown timeout")
	}
}
