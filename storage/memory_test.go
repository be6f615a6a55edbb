package storage

import (
	"testing"
	"time"

	"carmarket-tracker/models"
)

func TestMemoryVersionKeyConflict(t *testing.T) {
	store := NewMemoryStore()

	v := &models.Version{ModelID: 1, Name: "xei", Year: 2020}
	if _, err := store.CreateVersion(v); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := store.CreateVersion(v); err != ErrKeyConflict {
		t.Errorf("second create: got %v, want ErrKeyConflict", err)
	}

	// A distinct displacement is a distinct canonical key.
	displ := 1.6
	if _, err := store.CreateVersion(&models.Version{
		ModelID: 1, Name: "xei", Year: 2020, Displacement: &displ,
	}); err != nil {
		t.Errorf("distinct key should not conflict: %v", err)
	}
}

func TestMemoryListingKeyConflict(t *testing.T) {
	store := NewMemoryStore()

	l := &models.CarListing{SiteID: 1, ExternalID: "abc", VersionID: 1, URL: "https://site/abc"}
	if _, err := store.CreateListing(l); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := store.CreateListing(l); err != ErrKeyConflict {
		t.Errorf("second create: got %v, want ErrKeyConflict", err)
	}
}

func TestMemorySnapshotKeyConflict(t *testing.T) {
	store := NewMemoryStore()

	s := &models.CarSnapshot{ScrapeID: 1, CarID: 7, Price: 9000, ObservedAt: time.Now()}
	if _, err := store.InsertSnapshot(s); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := store.InsertSnapshot(s); err != ErrKeyConflict {
		t.Errorf("second insert: got %v, want ErrKeyConflict", err)
	}
}

func TestMemoryScrapeCloseOnce(t *testing.T) {
	store := NewMemoryStore()

	scrape := &models.Scrape{SiteID: 1, RunID: "run-1", StartedAt: time.Now()}
	id, err := store.CreateScrape(scrape)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	scrape.ID = id
	now := time.Now()
	scrape.EndedAt = &now
	scrape.FinishOK = true

	if err := store.CloseScrape(scrape); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.CloseScrape(scrape); err == nil {
		t.Error("closing an already-closed scrape should fail")
	}
}

func TestMemoryLatestCompletedScrape(t *testing.T) {
	store := NewMemoryStore()

	closeAt := func(siteID int64, ok bool, endedAt time.Time) int64 {
		s := &models.Scrape{SiteID: siteID, RunID: "r", StartedAt: endedAt.Add(-time.Hour)}
		id, err := store.CreateScrape(s)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		s.ID = id
		s.EndedAt = &endedAt
		s.FinishOK = ok
		if err := store.CloseScrape(s); err != nil {
			t.Fatalf("close: %v", err)
		}
		return id
	}

	base := time.Now()
	closeAt(1, true, base.Add(-48*time.Hour))
	want := closeAt(1, true, base.Add(-24*time.Hour))
	closeAt(1, false, base) // failed runs never count as completed
	closeAt(2, true, base)  // other site

	latest, ok, err := store.LatestCompletedScrape(1)
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest.ID != want {
		t.Errorf("latest completed: got %d, want %d", latest.ID, want)
	}
}
