package models

import "time"

// Lifecycle status values cached on a listing after run reconciliation.
// The status is always derivable from snapshot history; the cached value
// exists for reporting only.
const (
	StatusNew          = "NEW"
	StatusActive       = "ACTIVE"
	StatusPriceChanged = "PRICE_CHANGED"
	StatusDelisted     = "DELISTED"
)

// Sentinel values used when an optional version attribute was not observed.
// Uniqueness of a Version is enforced over these coalesced values so that two
// listings missing the same field resolve to one Version instead of two.
const (
	UnknownDisplacement = -1.0
	UnknownTransmission = ""
)

// MinYear is the historical floor for production years (first mass-produced
// automobile). Years outside [MinYear, current year] are malformed input.
const MinYear = 1886

// VersionKey is the canonical identity of a Version after sentinel coalescing.
type VersionKey struct {
	ModelID      int64
	Name         string
	Year         int
	Displacement float64
	Transmission string
}

// Site is an immutable reference entity describing one classified-ads site.
// Sites come from configuration and are never mutated by the engine.
type Site struct {
	ID      int64
	Name    string
	BaseURL string
}

// Brand is the top level of the vehicle taxonomy ("Toyota").
type Brand struct {
	ID   int64
	Name string
}

// CarModel is the middle level of the taxonomy ("Corolla"), scoped to a brand.
type CarModel struct {
	ID      int64
	BrandID int64
	Name    string
}

// Version is one canonical vehicle configuration. Displacement and
// Transmission are optional; two listings missing the same optional field
// must collapse onto the same Version, which is why uniqueness is enforced
// over sentinel-coalesced values rather than raw NULLs.
type Version struct {
	ID           int64
	ModelID      int64
	Name         string
	Year         int
	Displacement *float64
	Transmission *string
}

// VersionDetail is an optional 1:1 extension of Version holding rich specs.
// The first complete observation wins; later partial data never overwrites it.
type VersionDetail struct {
	Horsepower int
	Doors      int
	FuelType   string
	LengthMM   int
	HasABS     bool
	HasAirbags bool
	HasAC      bool
}

// CarListing is one classified ad: exactly one row per (site, external id).
// City, odometer, image and the version association always reflect the most
// recent observation.
type CarListing struct {
	ID         int64
	SiteID     int64
	ExternalID string
	VersionID  int64
	URL        string
	City       *string
	Odometer   *int64
	ImageRef   *string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReportCondition is optional 1:1 inspection-report data for a listing.
type ReportCondition struct {
	ExteriorScore   int
	MechanicalScore int
	AccidentHistory bool
	Notes           string
}

// Scrape is the ledger row for one ingestion run of one site. Immutable once
// closed.
type Scrape struct {
	ID            int64
	SiteID        int64
	RunID         string
	StartedAt     time.Time
	EndedAt       *time.Time
	FinishOK      bool
	ErrorType     string
	ErrorMsg      string
	ListingsFound int
	ListingsSaved int
}

// CarSnapshot is the append-only fact row: one observation of a listing's
// price and labels during one run. Snapshot history IS the price time series.
type CarSnapshot struct {
	ID         int64
	ScrapeID   int64
	CarID      int64
	Price      float64
	Labels     []string
	ObservedAt time.Time
}

// RawCarAd holds unprocessed scraped strings exactly as a site source
// returned them, before any parsing or validation.
type RawCarAd struct {
	Site            string
	ExternalID      string
	URL             string
	Title           string
	RawBrand        string
	RawModel        string
	RawVersion      string
	RawYear         string
	RawPrice        string
	RawOdometer     string
	RawDisplacement string
	RawTransmission string
	City            string
	ImageURL        string
	RawLabels       string
	ScrapedAt       time.Time
}

// ParsedListing is a validated attribute bundle ready for ingestion.
type ParsedListing struct {
	ExternalID   string
	URL          string
	Brand        string
	Model        string
	VersionName  string
	Year         int
	Displacement *float64
	Transmission *string
	Price        float64
	Labels       []string
	City         *string
	Odometer     *int64
	ImageRef     *string
	Detail       *VersionDetail
	Report       *ReportCondition
}

// LifecycleChanges counts the status transitions applied by one run's
// reconciliation pass.
type LifecycleChanges struct {
	New          int
	Active       int
	PriceChanged int
	Delisted     int
}

// RunSummary is the outcome of one finalized run.
type RunSummary struct {
	ScrapeID  int64
	SiteID    int64
	Found     int
	Saved     int
	Rejected  int
	Lifecycle LifecycleChanges
}

// MarketReport holds the computed analytics over the longitudinal dataset.
type MarketReport struct {
	TotalListings   int
	ActiveListings  int
	SoldListings    int
	AveragePrice    float64
	MinPrice        float64
	MaxPrice        float64
	PriceDrops      int
	AvgDaysActive   float64
	ListingsByCity  map[string]int
}
