package signaling

import (
	"fmt"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// Registry holds the ordered module set of the controller. The order of
// registration is the build order of every connection; it is identical for
// every participant, which is what lets the join snapshot and teardown be
// room-global contracts.
type Registry struct {
	factories []ModuleFactory
	byNS      map[string]ModuleFactory
}

func NewRegistry() *Registry {
	return &Registry{byNS: make(map[string]ModuleFactory)}
}

// Register appends a factory to the module set. Exactly one module per
// namespace; dependencies must already be registered, which forces a valid
// build order and keeps the dependency graph acyclic.
func (r *Registry) Register(f ModuleFactory) error {
	ns := f.Namespace()
	if ns == "" {
		return fmt.Errorf("signaling: module factory with empty namespace")
	}
	if _, ok := r.byNS[ns]; ok {
		return fmt.Errorf("signaling: namespace %q registered twice", ns)
	}
	for _, dep := range f.Dependencies() {
		if _, ok := r.byNS[dep]; !ok {
			return fmt.Errorf("signaling: module %q depends on unregistered %q", ns, dep)
		}
	}
	r.byNS[ns] = f
	r.factories = append(r.factories, f)
	return nil
}

// MustRegister panics on registration errors; used during bootstrap where a
// bad module set is a programming error.
func (r *Registry) MustRegister(f ModuleFactory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Factories returns the module set in declared order.
func (r *Registry) Factories() []ModuleFactory { return r.factories }

// Lookup returns the factory registered under the namespace.
func (r *Registry) Lookup(ns string) (ModuleFactory, bool) {
	f, ok := r.byNS[ns]
	return f, ok
}

// featureGate reports whether the factory's required features are all
// enabled.
func featureGate(f ModuleFactory, features domain.FeatureSet) (missing domain.FeatureID, ok bool) {
	for _, feat := range f.RequiredFeatures() {
		if !features.Has(feat) {
			return feat, false
		}
	}
	return "", true
}
