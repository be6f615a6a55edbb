package storage

import (
	"fmt"
	"sort"
	"sync"

	"carmarket-tracker/models"
)

// MemoryStore is an in-memory Store used by tests and local dry runs. It
// enforces the same unique-key contract as the Postgres store, including
// ErrKeyConflict on canonical-key races.
type MemoryStore struct {
	mu  sync.Mutex
	seq int64

	sites    map[string]int64
	brands   map[string]int64
	models   map[string]int64
	versions map[models.VersionKey]int64
	details  map[int64]*models.VersionDetail

	listings     map[int64]*models.CarListing
	listingByKey map[string]int64
	reports      map[int64]*models.ReportCondition

	snapshots   []*models.CarSnapshot
	snapshotKey map[string]struct{}

	scrapes map[int64]*models.Scrape
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sites:        make(map[string]int64),
		brands:       make(map[string]int64),
		models:       make(map[string]int64),
		versions:     make(map[models.VersionKey]int64),
		details:      make(map[int64]*models.VersionDetail),
		listings:     make(map[int64]*models.CarListing),
		listingByKey: make(map[string]int64),
		reports:      make(map[int64]*models.ReportCondition),
		snapshotKey:  make(map[string]struct{}),
		scrapes:      make(map[int64]*models.Scrape),
	}
}

func (m *MemoryStore) next() int64 {
	m.seq++
	return m.seq
}

// EnsureSite implements SiteStore.
func (m *MemoryStore) EnsureSite(name, baseURL string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sites[name]; ok {
		return id, nil
	}
	id := m.next()
	m.sites[name] = id
	return id, nil
}

// EnsureBrand implements TaxonomyStore.
func (m *MemoryStore) EnsureBrand(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.brands[name]; ok {
		return id, nil
	}
	id := m.next()
	m.brands[name] = id
	return id, nil
}

// EnsureModel implements TaxonomyStore.
func (m *MemoryStore) EnsureModel(brandID int64, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d|%s", brandID, name)
	if id, ok := m.models[key]; ok {
		return id, nil
	}
	id := m.next()
	m.models[key] = id
	return id, nil
}

// FindVersion implements TaxonomyStore.
func (m *MemoryStore) FindVersion(key models.VersionKey) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.versions[key]
	return id, ok, nil
}

// CreateVersion implements TaxonomyStore.
func (m *MemoryStore) CreateVersion(v *models.Version) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := models.VersionKey{
		ModelID:      v.ModelID,
		Name:         v.Name,
		Year:         v.Year,
		Displacement: models.UnknownDisplacement,
		Transmission: models.UnknownTransmission,
	}
	if v.Displacement != nil {
		key.Displacement = *v.Displacement
	}
	if v.Transmission != nil {
		key.Transmission = *v.Transmission
	}

	if _, exists := m.versions[key]; exists {
		return 0, ErrKeyConflict
	}
	id := m.next()
	m.versions[key] = id
	return id, nil
}

// HasVersionDetail implements TaxonomyStore.
func (m *MemoryStore) HasVersionDetail(versionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.details[versionID]
	return ok, nil
}

// CreateVersionDetail implements TaxonomyStore.
func (m *MemoryStore) CreateVersionDetail(versionID int64, d *models.VersionDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.details[versionID]; exists {
		return ErrKeyConflict
	}
	cp := *d
	m.details[versionID] = &cp
	return nil
}

// VersionDetail returns the stored detail row, if any.
func (m *MemoryStore) VersionDetail(versionID int64) (*models.VersionDetail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[versionID]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

func listingKey(siteID int64, externalID string) string {
	return fmt.Sprintf("%d|%s", siteID, externalID)
}

// FindListing implements ListingStore.
func (m *MemoryStore) FindListing(siteID int64, externalID string) (*models.CarListing, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.listingByKey[listingKey(siteID, externalID)]
	if !ok {
		return nil, false, nil
	}
	cp := *m.listings[id]
	return &cp, true, nil
}

// CreateListing implements ListingStore.
func (m *MemoryStore) CreateListing(l *models.CarListing) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := listingKey(l.SiteID, l.ExternalID)
	if _, exists := m.listingByKey[key]; exists {
		return 0, ErrKeyConflict
	}
	id := m.next()
	cp := *l
	cp.ID = id
	m.listings[id] = &cp
	m.listingByKey[key] = id
	return id, nil
}

// UpdateListing implements ListingStore.
func (m *MemoryStore) UpdateListing(l *models.CarListing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.listings[l.ID]
	if !ok {
		return fmt.Errorf("memory: listing %d not found", l.ID)
	}
	existing.VersionID = l.VersionID
	existing.URL = l.URL
	existing.City = l.City
	existing.Odometer = l.Odometer
	existing.ImageRef = l.ImageRef
	existing.UpdatedAt = l.UpdatedAt
	return nil
}

// SetListingStatus implements ListingStore.
func (m *MemoryStore) SetListingStatus(carID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[carID]
	if !ok {
		return fmt.Errorf("memory: listing %d not found", carID)
	}
	l.Status = status
	return nil
}

// UpsertReportCondition implements ListingStore.
func (m *MemoryStore) UpsertReportCondition(carID int64, rc *models.ReportCondition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rc
	m.reports[carID] = &cp
	return nil
}

// ReportCondition returns the stored inspection data, if any.
func (m *MemoryStore) ReportCondition(carID int64) (*models.ReportCondition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.reports[carID]
	if !ok {
		return nil, false
	}
	cp := *rc
	return &cp, true
}

// ListingsBySite implements ListingStore.
func (m *MemoryStore) ListingsBySite(siteID int64) ([]*models.CarListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CarListing
	for _, l := range m.listings {
		if l.SiteID == siteID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AllListings returns every listing, for reporting.
func (m *MemoryStore) AllListings() ([]*models.CarListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CarListing
	for _, l := range m.listings {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertSnapshot implements SnapshotStore.
func (m *MemoryStore) InsertSnapshot(s *models.CarSnapshot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d|%d", s.ScrapeID, s.CarID)
	if _, exists := m.snapshotKey[key]; exists {
		return 0, ErrKeyConflict
	}
	id := m.next()
	cp := *s
	cp.ID = id
	cp.Labels = append([]string(nil), s.Labels...)
	m.snapshots = append(m.snapshots, &cp)
	m.snapshotKey[key] = struct{}{}
	return id, nil
}

// SnapshotsForListing implements SnapshotStore.
func (m *MemoryStore) SnapshotsForListing(carID int64) ([]*models.CarSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CarSnapshot
	for _, s := range m.snapshots {
		if s.CarID == carID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

// CarIDsInScrape implements SnapshotStore.
func (m *MemoryStore) CarIDsInScrape(scrapeID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, s := range m.snapshots {
		if s.ScrapeID == scrapeID {
			out = append(out, s.CarID)
		}
	}
	return out, nil
}

// CreateScrape implements ScrapeStore.
func (m *MemoryStore) CreateScrape(s *models.Scrape) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next()
	cp := *s
	cp.ID = id
	m.scrapes[id] = &cp
	return id, nil
}

// CloseScrape implements ScrapeStore.
func (m *MemoryStore) CloseScrape(s *models.Scrape) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.scrapes[s.ID]
	if !ok {
		return fmt.Errorf("memory: scrape %d not found", s.ID)
	}
	if existing.EndedAt != nil {
		return fmt.Errorf("memory: scrape %d already closed", s.ID)
	}
	cp := *s
	m.scrapes[s.ID] = &cp
	return nil
}

// GetScrape implements ScrapeStore.
func (m *MemoryStore) GetScrape(scrapeID int64) (*models.Scrape, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scrapes[scrapeID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

// LatestCompletedScrape implements ScrapeStore.
func (m *MemoryStore) LatestCompletedScrape(siteID int64) (*models.Scrape, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Scrape
	for _, s := range m.scrapes {
		if s.SiteID != siteID || !s.FinishOK || s.EndedAt == nil {
			continue
		}
		if latest == nil || s.EndedAt.After(*latest.EndedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	cp := *latest
	return &cp, true, nil
}
