package proctor

import (
	"context"

	"training-integrity-system/pkg/db"
	"training-integrity-system/pkg/models"
)

// VideoCatalog resolves training videos to their required watch duration.
// The catalog content itself is maintained by external tooling.
type VideoCatalog interface {
	Lookup(ctx context.Context, videoID string) (durationSec float64, err error)
}

// LivenessVerifier is the opaque external check that decides whether a
// submitted liveness payload answers a challenge. Verifier errors count as
// not-passed without consuming the attempt.
type LivenessVerifier interface {
	Verify(ctx context.Context, req *models.VerifyRequest) (*models.VerifyResponse, error)
}

// DBCatalog is the default VideoCatalog backed by the engine database.
type DBCatalog struct {
	store db.Store
}

// NewDBCatalog creates a catalog over the videos table of the engine database.
func NewDBCatalog(store db.Store) *DBCatalog {
	return &DBCatalog{store: store}
}

// Lookup returns the required watch duration for a catalog video.
func (c *DBCatalog) Lookup(_ context.Context, videoID string) (float64, error) {
	return c.store.LookupVideoDuration(videoID)
}
