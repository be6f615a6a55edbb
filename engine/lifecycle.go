package engine

import (
	"fmt"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

// lifecycleStore is the slice of the persistence contract reconciliation needs.
type lifecycleStore interface {
	storage.ListingStore
	storage.SnapshotStore
}

// LifecycleTracker derives each listing's status after a run closes by
// diffing the run's observed listings against the site's known listings.
// It only ever touches the cached status column: snapshots and listing
// identity fields stay untouched, so the derivation can always be repeated
// from history alone.
type LifecycleTracker struct {
	store  lifecycleStore
	logger *utils.Logger
}

// NewLifecycleTracker creates a tracker backed by the given store.
func NewLifecycleTracker(store lifecycleStore, logger *utils.Logger) *LifecycleTracker {
	return &LifecycleTracker{store: store, logger: logger}
}

// Reconcile classifies every listing of a site against the just-completed
// run. Listings observed in the run become NEW, ACTIVE or PRICE_CHANGED;
// previously active listings the run did not see become DELISTED. The pass is
// strictly per site: another site's run never delists this site's listings.
func (t *LifecycleTracker) Reconcile(siteID, scrapeID int64) (models.LifecycleChanges, error) {
	var changes models.LifecycleChanges

	observedIDs, err := t.store.CarIDsInScrape(scrapeID)
	if err != nil {
		return changes, fmt.Errorf("lifecycle: listings in run %d: %w", scrapeID, err)
	}
	observed := make(map[int64]struct{}, len(observedIDs))
	for _, id := range observedIDs {
		observed[id] = struct{}{}
	}

	listings, err := t.store.ListingsBySite(siteID)
	if err != nil {
		return changes, fmt.Errorf("lifecycle: listings for site %d: %w", siteID, err)
	}

	for _, l := range listings {
		if _, seen := observed[l.ID]; seen {
			status, err := t.classifyObserved(l.ID, scrapeID)
			if err != nil {
				return changes, err
			}
			if err := t.store.SetListingStatus(l.ID, status); err != nil {
				return changes, fmt.Errorf("lifecycle: set status on car %d: %w", l.ID, err)
			}
			switch status {
			case models.StatusNew:
				changes.New++
			case models.StatusPriceChanged:
				changes.PriceChanged++
			default:
				changes.Active++
			}
			continue
		}

		if l.Status == models.StatusDelisted {
			continue
		}
		wasObserved, err := t.everObserved(l)
		if err != nil {
			return changes, err
		}
		if !wasObserved {
			continue
		}
		if err := t.store.SetListingStatus(l.ID, models.StatusDelisted); err != nil {
			return changes, fmt.Errorf("lifecycle: delist car %d: %w", l.ID, err)
		}
		changes.Delisted++
	}

	t.logger.Info("[lifecycle] Site %d run %d — new=%d active=%d price_changed=%d delisted=%d",
		siteID, scrapeID, changes.New, changes.Active, changes.PriceChanged, changes.Delisted)
	return changes, nil
}

// classifyObserved decides NEW/ACTIVE/PRICE_CHANGED from snapshot history.
func (t *LifecycleTracker) classifyObserved(carID, scrapeID int64) (string, error) {
	snaps, err := t.store.SnapshotsForListing(carID)
	if err != nil {
		return "", fmt.Errorf("lifecycle: snapshots for car %d: %w", carID, err)
	}

	var current, previous *models.CarSnapshot
	for _, s := range snaps {
		if s.ScrapeID == scrapeID {
			current = s
			break
		}
		previous = s
	}
	if current == nil {
		return "", fmt.Errorf("lifecycle: car %d has no snapshot in run %d", carID, scrapeID)
	}
	if previous == nil {
		return models.StatusNew, nil
	}
	if previous.Price != current.Price {
		return models.StatusPriceChanged, nil
	}
	return models.StatusActive, nil
}

// everObserved reports whether a listing has any snapshot at all. A listing
// whose status was never set may still have history from a failed run.
func (t *LifecycleTracker) everObserved(l *models.CarListing) (bool, error) {
	if l.Status != "" {
		return true, nil
	}
	snaps, err := t.store.SnapshotsForListing(l.ID)
	if err != nil {
		return false, fmt.Errorf("lifecycle: snapshots for car %d: %w", l.ID, err)
	}
	return len(snaps) > 0, nil
}

// DaysActive returns the elapsed days between a listing's first and last
// observed snapshot. It is recomputed from timestamps on demand rather than
// kept as a counter, so missed runs cannot make it drift.
func (t *LifecycleTracker) DaysActive(carID int64) (float64, error) {
	snaps, err := t.store.SnapshotsForListing(carID)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: snapshots for car %d: %w", carID, err)
	}
	if len(snaps) < 2 {
		return 0, nil
	}
	first := snaps[0].ObservedAt
	last := snaps[len(snaps)-1].ObservedAt
	return last.Sub(first).Hours() / 24, nil
}
