package signalingtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/signalingtest"
)

func TestNewEnv_SubstitutesDoublesForNilCollaborators(t *testing.T) {
	env := signalingtest.NewEnv(signaling.ContextParams{
		Room:        "room-1",
		Participant: "p1",
	})

	require.NotNil(t, env.Storage)
	require.NotNil(t, env.Exchange)
	require.NotNil(t, env.Transport)
	require.NotNil(t, env.Sig)
}

func TestNewEnv_TreatsTypedNilPointersAsAbsent(t *testing.T) {
	// Helpers often thread optional doubles through pointer-typed
	// parameters; a nil pointer must still get a working double.
	var storage *signalingtest.Storage
	var exchange *signalingtest.Exchange
	var transport *signalingtest.Transport

	env := signalingtest.NewEnv(signaling.ContextParams{
		Room:        "room-1",
		Participant: "p1",
		Storage:     storage,
		Exchange:    exchange,
		Transport:   transport,
	})

	require.NotNil(t, env.Storage)
	require.NotNil(t, env.Exchange)
	require.NotNil(t, env.Transport)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, env.Sig.Volatile().Set(ctx, "k", "v", 0))
	got, err := env.Sig.Volatile().Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewEnv_KeepsCallerProvidedDoubles(t *testing.T) {
	storage := signalingtest.NewStorage()

	env := signalingtest.NewEnv(signaling.ContextParams{
		Room:        "room-1",
		Participant: "p1",
		Storage:     storage,
	})

	assert.Same(t, storage, env.Storage)
}
