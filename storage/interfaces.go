package storage

import (
	"errors"

	"carmarket-tracker/models"
)

// ErrKeyConflict is returned by create operations when a row with the same
// unique key already exists. Callers resolving canonical keys are expected to
// re-lookup and use the winning row instead of surfacing the conflict.
var ErrKeyConflict = errors.New("storage: key conflict")

// TaxonomyStore manages the Brand → Model → Version hierarchy.
// Lookup-or-create operations are atomic with respect to concurrent callers.
type TaxonomyStore interface {
	// EnsureBrand returns the id for the named brand, creating it if absent.
	EnsureBrand(name string) (int64, error)
	// EnsureModel returns the id for (brandID, name), creating it if absent.
	EnsureModel(brandID int64, name string) (int64, error)
	// FindVersion looks up a Version by its canonical key.
	FindVersion(key models.VersionKey) (int64, bool, error)
	// CreateVersion inserts a new Version. Returns ErrKeyConflict if a row
	// with the same canonical key was created concurrently.
	CreateVersion(v *models.Version) (int64, error)
	// HasVersionDetail reports whether a detail row exists for the version.
	HasVersionDetail(versionID int64) (bool, error)
	// CreateVersionDetail attaches a detail row. Returns ErrKeyConflict if
	// one already exists; existing detail is never overwritten.
	CreateVersionDetail(versionID int64, d *models.VersionDetail) error
}

// ListingStore manages CarListing rows and their optional inspection data.
type ListingStore interface {
	// FindListing looks up a listing by its (site, external id) identity.
	FindListing(siteID int64, externalID string) (*models.CarListing, bool, error)
	// CreateListing inserts a new listing. Returns ErrKeyConflict if the
	// (site, external id) pair was created concurrently.
	CreateListing(l *models.CarListing) (int64, error)
	// UpdateListing overwrites the mutable fields (version, city, odometer,
	// image, updated_at) of an existing listing.
	UpdateListing(l *models.CarListing) error
	// SetListingStatus updates only the cached lifecycle status.
	SetListingStatus(carID int64, status string) error
	// UpsertReportCondition stores 1:1 inspection data, latest wins.
	UpsertReportCondition(carID int64, rc *models.ReportCondition) error
	// ListingsBySite returns every listing known for a site.
	ListingsBySite(siteID int64) ([]*models.CarListing, error)
}

// SnapshotStore manages the append-only snapshot fact table. There is
// deliberately no update or delete operation.
type SnapshotStore interface {
	// InsertSnapshot appends one snapshot row. Returns ErrKeyConflict if a
	// snapshot for the same (scrape, car) pair already exists.
	InsertSnapshot(s *models.CarSnapshot) (int64, error)
	// SnapshotsForListing returns a listing's snapshots ordered by
	// observation time, oldest first.
	SnapshotsForListing(carID int64) ([]*models.CarSnapshot, error)
	// CarIDsInScrape returns the listings observed during one run.
	CarIDsInScrape(scrapeID int64) ([]int64, error)
}

// ScrapeStore manages the run ledger.
type ScrapeStore interface {
	// CreateScrape records the start of a run and returns its id.
	CreateScrape(s *models.Scrape) (int64, error)
	// CloseScrape finalizes a run row. A closed scrape is immutable.
	CloseScrape(s *models.Scrape) error
	// GetScrape returns a run row by id.
	GetScrape(scrapeID int64) (*models.Scrape, bool, error)
	// LatestCompletedScrape returns the most recent finish_ok run for a site.
	LatestCompletedScrape(siteID int64) (*models.Scrape, bool, error)
}

// SiteStore manages the immutable site reference table.
type SiteStore interface {
	// EnsureSite returns the id for the named site, creating it if absent.
	EnsureSite(name, baseURL string) (int64, error)
}

// Store is the full persistence contract the ingestion engine depends on.
type Store interface {
	SiteStore
	TaxonomyStore
	ListingStore
	SnapshotStore
	ScrapeStore
}
