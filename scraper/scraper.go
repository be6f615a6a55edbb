package scraper

import (
	"sync"

	"carmarket-tracker/models"
)

// Page is one result page of raw ads plus the cursor of the following page.
// An empty Next means the listing index is exhausted.
type Page struct {
	Ads  []*models.RawCarAd
	Next string
}

// Source is the capability contract a site scraper implements. It is the
// only thing the ingestion pipeline knows about a site: give me the page at
// this cursor, tell me where the next one is.
type Source interface {
	// Name returns the configured site name.
	Name() string
	// FetchPage fetches the page identified by cursor. An empty cursor
	// means the first page.
	FetchPage(cursor string) (*Page, error)
}

// Stats tracks request outcomes across a run. Sources update it on every
// fetch so a failed run still reports how far it got.
type Stats struct {
	mu      sync.Mutex
	Total   int
	Success int
	Failed  int
}

// RecordSuccess counts one successful fetch.
func (s *Stats) RecordSuccess() {
	s.mu.Lock()
	s.Total++
	s.Success++
	s.mu.Unlock()
}

// RecordFailure counts one fetch that failed after all retries.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	s.Total++
	s.Failed++
	s.mu.Unlock()
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() (total, success, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Total, s.Success, s.Failed
}
