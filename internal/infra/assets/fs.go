// Package assets stores meeting artifacts on the local filesystem, content
// addressed by SHA-256, with the metadata row kept in the database. No
// object-store SDK is involved; a shared volume is enough for a controller
// deployment and keeps the dependency surface small.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
)

// maxAssetSize bounds a single stored blob.
const maxAssetSize = 256 << 20

// FSStore implements signaling.AssetStore on a directory tree. Blobs land in
// root/sha[0:2]/sha, so re-storing identical content is a metadata-only
// write.
type FSStore struct {
	root   string
	assets repository.AssetRepository
	log    *logrus.Entry
}

func NewFSStore(root string, assets repository.AssetRepository, log *logrus.Logger) (*FSStore, error) {
	if assets == nil {
		panic("asset store: repository is nil")
	}
	if log == nil {
		panic("asset store: logger is nil")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("assets: create root %s: %w", root, err)
	}
	return &FSStore{
		root:   root,
		assets: assets,
		log:    log.WithField("component", "assets"),
	}, nil
}

func (s *FSStore) Store(ctx context.Context, room domain.RoomID, namespace, mimeType string, r io.Reader) (domain.AssetID, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", fmt.Errorf("assets: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), io.LimitReader(r, maxAssetSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("assets: write blob: %w", err)
	}
	if size > maxAssetSize {
		return "", fmt.Errorf("assets: blob exceeds %d bytes", maxAssetSize)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	dir := filepath.Join(s.root, sum[:2])
	final := filepath.Join(dir, sum)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("assets: create shard dir: %w", err)
	}
	if _, err := os.Stat(final); err == nil {
		// Content already present, keep the existing blob.
	} else if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("assets: finalize blob: %w", err)
	}

	asset := &domain.Asset{
		ID:        domain.NewAssetID(),
		RoomID:    room,
		Namespace: namespace,
		MimeType:  mimeType,
		Size:      size,
		Checksum:  sum,
	}
	if err := s.assets.Save(ctx, asset); err != nil {
		return "", fmt.Errorf("assets: save metadata: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"asset":     asset.ID,
		"room":      room,
		"namespace": namespace,
		"size":      size,
	}).Info("stored asset")
	return asset.ID, nil
}

// Open returns the blob of a stored asset for download handlers.
func (s *FSStore) Open(ctx context.Context, id domain.AssetID) (io.ReadCloser, *domain.Asset, error) {
	asset, err := s.assets.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.root, asset.Checksum[:2], asset.Checksum))
	if err != nil {
		return nil, nil, fmt.Errorf("assets: open blob for %s: %w", id, err)
	}
	return f, asset, nil
}
