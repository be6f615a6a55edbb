package engine

import (
	"fmt"
	"time"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

// SnapshotRecorder appends immutable price observations. Snapshot history is
// the price time series: there is no update path, and a correction can only
// arrive as a new snapshot in a later run.
type SnapshotRecorder struct {
	store  storage.SnapshotStore
	logger *utils.Logger
}

// NewSnapshotRecorder creates a recorder backed by the given snapshot store.
func NewSnapshotRecorder(store storage.SnapshotStore, logger *utils.Logger) *SnapshotRecorder {
	return &SnapshotRecorder{store: store, logger: logger}
}

// Record appends one (run, listing, price, labels) observation. A second
// observation of the same listing in the same run is rejected with
// ErrDuplicateSnapshot; the first one wins.
func (r *SnapshotRecorder) Record(scrapeID, carID int64, price float64, labels []string) (int64, error) {
	id, err := r.store.InsertSnapshot(&models.CarSnapshot{
		ScrapeID:   scrapeID,
		CarID:      carID,
		Price:      price,
		Labels:     labels,
		ObservedAt: time.Now(),
	})
	if err == storage.ErrKeyConflict {
		return 0, fmt.Errorf("car %d already observed in run %d: %w",
			carID, scrapeID, ErrDuplicateSnapshot)
	}
	if err != nil {
		return 0, fmt.Errorf("recorder: insert snapshot: %w", err)
	}
	return id, nil
}
