package signaling

import (
	"context"
	"io"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// AssetStore persists blobs produced during a meeting (archived chat logs,
// recording artifacts) and returns their id. Implementations must be safe for
// concurrent use by many runners.
type AssetStore interface {
	Store(ctx context.Context, room domain.RoomID, namespace, mimeType string, r io.Reader) (domain.AssetID, error)
}
