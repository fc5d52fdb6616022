package sync

import (
	"context"
	"sort"
	"time"

	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/logging"
)

// Detector finds entities created or modified since a watermark.
type Detector struct {
	local LocalStore
}

// NewDetector creates a change detector over the local store.
func NewDetector(local LocalStore) *Detector {
	return &Detector{local: local}
}

// Detect returns entities whose last_modified is after the watermark,
// sorted by local key for deterministic processing order.
//
// Detection is monotonic: re-running with the same watermark over unchanged
// data returns the same set, and a lower watermark always returns a
// superset of a higher one. A zero watermark is the bootstrap path: every
// entity is returned, and each is routed through link-state classification
// rather than assumed to be new.
func (d *Detector) Detect(ctx context.Context, watermark time.Time) ([]Entity, error) {
	entities, err := d.local.ListChanged(ctx, watermark)
	if err != nil {
		return nil, errors.WrapTransient("local", "list changed entities", err)
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LocalKey < entities[j].LocalKey
	})

	logging.FromContext(ctx).Debug().
		Time("watermark", watermark).
		Int("count", len(entities)).
		Msg("Detected changed entities")

	return entities, nil
}
