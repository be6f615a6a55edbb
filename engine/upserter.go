package engine

import (
	"fmt"
	"time"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

// ListingUpserter maps a (site, external id) pair to its canonical CarListing
// row, creating it on first sighting and overwriting the mutable fields on
// every later one. The latest observation always wins: the scraper cannot
// tell a stale re-scrape from a fresh one, and odometer/city only move
// forward in the real world anyway.
type ListingUpserter struct {
	store  storage.ListingStore
	logger *utils.Logger
	keys   *utils.KeyedMutex
}

// NewListingUpserter creates an upserter backed by the given listing store.
func NewListingUpserter(store storage.ListingStore, logger *utils.Logger, keys *utils.KeyedMutex) *ListingUpserter {
	return &ListingUpserter{store: store, logger: logger, keys: keys}
}

// Upsert returns the canonical CarListing id for (siteID, p.ExternalID).
// versionID must come from a successful resolution; a listing is never stored
// without a version reference.
func (u *ListingUpserter) Upsert(siteID, versionID int64, p *models.ParsedListing) (int64, error) {
	if versionID <= 0 {
		return 0, fmt.Errorf("listing %q has no resolved version: %w", p.ExternalID, ErrResolution)
	}
	if p.Odometer != nil && *p.Odometer < 0 {
		return 0, fmt.Errorf("listing %q odometer %d is negative: %w",
			p.ExternalID, *p.Odometer, ErrValidation)
	}

	lockKey := fmt.Sprintf("listing|%d|%s", siteID, p.ExternalID)
	u.keys.Lock(lockKey)
	defer u.keys.Unlock(lockKey)

	carID, err := u.findOrCreate(siteID, versionID, p)
	if err != nil {
		return 0, err
	}

	if p.Report != nil {
		if err := u.store.UpsertReportCondition(carID, p.Report); err != nil {
			return 0, fmt.Errorf("upserter: report condition for car %d: %w", carID, err)
		}
	}
	return carID, nil
}

func (u *ListingUpserter) findOrCreate(siteID, versionID int64, p *models.ParsedListing) (int64, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		existing, found, err := u.store.FindListing(siteID, p.ExternalID)
		if err != nil {
			return 0, fmt.Errorf("upserter: find listing: %w", err)
		}
		if found {
			existing.VersionID = versionID
			existing.URL = p.URL
			existing.City = p.City
			existing.Odometer = p.Odometer
			existing.ImageRef = p.ImageRef
			existing.UpdatedAt = time.Now()
			if err := u.store.UpdateListing(existing); err != nil {
				return 0, fmt.Errorf("upserter: update listing %d: %w", existing.ID, err)
			}
			return existing.ID, nil
		}

		now := time.Now()
		id, err := u.store.CreateListing(&models.CarListing{
			SiteID:     siteID,
			ExternalID: p.ExternalID,
			VersionID:  versionID,
			URL:        p.URL,
			City:       p.City,
			Odometer:   p.Odometer,
			ImageRef:   p.ImageRef,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err == nil {
			u.logger.Debug("[upserter] New listing %d: site=%d ext=%s", id, siteID, p.ExternalID)
			return id, nil
		}
		if err != storage.ErrKeyConflict {
			return 0, fmt.Errorf("upserter: create listing: %w", err)
		}
	}
	return 0, fmt.Errorf("upserter: listing key still conflicting after %d attempts", createAttempts)
}
