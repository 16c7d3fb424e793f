package signalingtest

import (
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// Env bundles a connection Context with its in-memory collaborators; module
// tests use it in place of a running dispatch core.
type Env struct {
	Storage   *Storage
	Exchange  *Exchange
	Transport *Transport
	Sig       *signaling.Context
}

// NewEnv builds a Context from params, substituting in-memory doubles for
// every collaborator left nil. A nil *Storage (or *Exchange, *Transport)
// stored in the interface field counts as nil here, so callers can pass
// optional doubles through pointer-typed parameters without tripping over
// the typed-nil interface. Identity fields are passed through as given.
func NewEnv(params signaling.ContextParams) *Env {
	env := &Env{}
	switch s, ok := params.Storage.(*Storage); {
	case ok && s != nil:
		env.Storage = s
	case ok || params.Storage == nil:
		env.Storage = NewStorage()
		params.Storage = env.Storage
	}
	switch ex, ok := params.Exchange.(*Exchange); {
	case ok && ex != nil:
		env.Exchange = ex
	case ok || params.Exchange == nil:
		env.Exchange = NewExchange()
		params.Exchange = env.Exchange
	}
	switch tr, ok := params.Transport.(*Transport); {
	case ok && tr != nil:
		env.Transport = tr
	case ok || params.Transport == nil:
		env.Transport = NewTransport()
		params.Transport = env.Transport
	}
	env.Sig = signaling.NewContext(params)
	return env
}
