package engine

import (
	"errors"
	"testing"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, int64) {
	t.Helper()
	store := storage.NewMemoryStore()
	siteID, err := store.EnsureSite("motormercado", "https://www.motormercado.example")
	if err != nil {
		t.Fatalf("ensure site: %v", err)
	}
	return New(store, utils.NewLogger()), store, siteID
}

func mustOpen(t *testing.T, e *Engine, siteID int64) int64 {
	t.Helper()
	scrapeID, err := e.OpenRun(siteID)
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	return scrapeID
}

func mustIngest(t *testing.T, e *Engine, scrapeID int64, p *models.ParsedListing) int64 {
	t.Helper()
	carID, err := e.Ingest(scrapeID, p)
	if err != nil {
		t.Fatalf("ingest %q: %v", p.ExternalID, err)
	}
	return carID
}

func mustFinalize(t *testing.T, e *Engine, scrapeID int64) *models.RunSummary {
	t.Helper()
	summary, err := e.FinalizeRun(scrapeID, nil)
	if err != nil {
		t.Fatalf("finalize run %d: %v", scrapeID, err)
	}
	return summary
}

func priced(extID string, price float64) *models.ParsedListing {
	p := parsedCar(extID)
	p.Price = price
	return p
}

func TestIngestTwiceAcrossRuns(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carID1 := mustIngest(t, e, run1, priced("abc", 12500))
	mustFinalize(t, e, run1)

	run2 := mustOpen(t, e, siteID)
	carID2 := mustIngest(t, e, run2, priced("abc", 12500))
	mustFinalize(t, e, run2)

	if carID1 != carID2 {
		t.Errorf("same (site, external id) must map to one listing: %d vs %d", carID1, carID2)
	}

	listings, err := store.ListingsBySite(siteID)
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected exactly 1 listing row, got %d", len(listings))
	}

	snaps, err := store.SnapshotsForListing(carID1)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("expected 2 snapshot rows, got %d", len(snaps))
	}
}

func TestLifecycleNewThenActive(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carID := mustIngest(t, e, run1, priced("abc", 12500))
	s1 := mustFinalize(t, e, run1)
	if s1.Lifecycle.New != 1 {
		t.Errorf("first sighting should count as NEW, got %+v", s1.Lifecycle)
	}
	assertStatus(t, store, siteID, carID, models.StatusNew)

	run2 := mustOpen(t, e, siteID)
	mustIngest(t, e, run2, priced("abc", 12500))
	s2 := mustFinalize(t, e, run2)
	if s2.Lifecycle.Active != 1 || s2.Lifecycle.New != 0 {
		t.Errorf("unchanged price should count as ACTIVE, got %+v", s2.Lifecycle)
	}
	assertStatus(t, store, siteID, carID, models.StatusActive)
}

func TestLifecyclePriceChanged(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carID := mustIngest(t, e, run1, priced("abc", 12500))
	mustFinalize(t, e, run1)

	run2 := mustOpen(t, e, siteID)
	mustIngest(t, e, run2, priced("abc", 11900))
	s2 := mustFinalize(t, e, run2)

	if s2.Lifecycle.PriceChanged != 1 {
		t.Errorf("price drop should count as PRICE_CHANGED, got %+v", s2.Lifecycle)
	}
	assertStatus(t, store, siteID, carID, models.StatusPriceChanged)
}

func TestLifecycleDelisted(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carA := mustIngest(t, e, run1, priced("abc", 12500))
	carB := mustIngest(t, e, run1, priced("xyz", 8900))
	mustFinalize(t, e, run1)

	// Run 2 sees only listing A.
	run2 := mustOpen(t, e, siteID)
	mustIngest(t, e, run2, priced("abc", 12500))
	s2 := mustFinalize(t, e, run2)

	if s2.Lifecycle.Delisted != 1 {
		t.Errorf("expected 1 delisted listing, got %+v", s2.Lifecycle)
	}
	assertStatus(t, store, siteID, carA, models.StatusActive)
	assertStatus(t, store, siteID, carB, models.StatusDelisted)
}

func TestDelistingIsPerSite(t *testing.T) {
	e, store, siteID := newTestEngine(t)
	otherSiteID, err := store.EnsureSite("autoplaza", "https://www.autoplaza.example")
	if err != nil {
		t.Fatalf("ensure site: %v", err)
	}

	run1 := mustOpen(t, e, siteID)
	carID := mustIngest(t, e, run1, priced("abc", 12500))
	mustFinalize(t, e, run1)

	// The other site completes an empty run; it must not touch this site's
	// listings.
	otherRun := mustOpen(t, e, otherSiteID)
	mustFinalize(t, e, otherRun)

	assertStatus(t, store, siteID, carID, models.StatusNew)
}

func TestDuplicateListingInOneRun(t *testing.T) {
	e, _, siteID := newTestEngine(t)

	run := mustOpen(t, e, siteID)
	mustIngest(t, e, run, priced("abc", 12500))

	_, err := e.Ingest(run, priced("abc", 12500))
	if !errors.Is(err, ErrDuplicateSnapshot) {
		t.Errorf("second observation in one run: got %v, want ErrDuplicateSnapshot", err)
	}

	summary := mustFinalize(t, e, run)
	if summary.Found != 2 || summary.Saved != 1 || summary.Rejected != 1 {
		t.Errorf("counts: got found=%d saved=%d rejected=%d, want 2/1/1",
			summary.Found, summary.Saved, summary.Rejected)
	}
}

func TestNegativeOdometerRejected(t *testing.T) {
	e, _, siteID := newTestEngine(t)

	run := mustOpen(t, e, siteID)
	p := priced("abc", 12500)
	odo := int64(-500)
	p.Odometer = &odo

	_, err := e.Ingest(run, p)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("negative odometer: got %v, want ErrValidation", err)
	}

	summary := mustFinalize(t, e, run)
	if summary.Saved != 0 || summary.Rejected != 1 {
		t.Errorf("counts: got saved=%d rejected=%d, want 0/1", summary.Saved, summary.Rejected)
	}
}

func TestPartialRunKeepsSavedListings(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run := mustOpen(t, e, siteID)
	var carIDs []int64
	for _, ext := range []string{"a1", "a2", "a3"} {
		carIDs = append(carIDs, mustIngest(t, e, run, priced(ext, 9000)))
	}

	summary, err := e.FinalizeRun(run, errors.New("connection reset while fetching page 4"))
	if err != nil {
		t.Fatalf("finalize failed run: %v", err)
	}
	if summary.Saved != 3 {
		t.Errorf("saved: got %d, want 3", summary.Saved)
	}

	scrape, ok, err := store.GetScrape(run)
	if err != nil || !ok {
		t.Fatalf("get scrape: ok=%v err=%v", ok, err)
	}
	if scrape.FinishOK {
		t.Error("failed run must close with finish_ok=false")
	}
	if scrape.ListingsSaved != 3 {
		t.Errorf("ledger saved count: got %d, want 3", scrape.ListingsSaved)
	}
	if scrape.EndedAt == nil {
		t.Error("failed run must still record its end timestamp")
	}

	// The partial data stays queryable.
	for _, carID := range carIDs {
		snaps, err := store.SnapshotsForListing(carID)
		if err != nil {
			t.Fatalf("snapshots: %v", err)
		}
		if len(snaps) != 1 {
			t.Errorf("car %d: expected its snapshot to survive the failure", carID)
		}
	}

	// A failed run is not a completed one: no reconciliation ran.
	if _, ok, _ := store.LatestCompletedScrape(siteID); ok {
		t.Error("failed run must not become the latest completed run")
	}
}

func TestFailedRunDoesNotDelist(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carID := mustIngest(t, e, run1, priced("abc", 12500))
	mustFinalize(t, e, run1)

	// Run 2 dies before reaching listing abc. Nothing must be delisted.
	run2 := mustOpen(t, e, siteID)
	if _, err := e.FinalizeRun(run2, errors.New("fetch failed")); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	assertStatus(t, store, siteID, carID, models.StatusNew)
}

func TestVersionReassignmentOnBetterMatch(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carID := mustIngest(t, e, run1, priced("abc", 12500))
	mustFinalize(t, e, run1)

	before, ok, err := store.FindListing(siteID, "abc")
	if err != nil || !ok {
		t.Fatalf("find listing: ok=%v err=%v", ok, err)
	}

	// Re-parsing now knows the displacement: the listing repoints to the
	// more specific version.
	run2 := mustOpen(t, e, siteID)
	p := priced("abc", 12500)
	displ := 1.8
	p.Displacement = &displ
	mustIngest(t, e, run2, p)
	mustFinalize(t, e, run2)

	listing, ok, err := store.FindListing(siteID, "abc")
	if err != nil || !ok {
		t.Fatalf("find listing: ok=%v err=%v", ok, err)
	}
	if listing.ID != carID {
		t.Errorf("repointing must not create a second listing: %d vs %d", listing.ID, carID)
	}
	if listing.VersionID == before.VersionID {
		t.Error("listing should repoint to the more specific version")
	}

	snaps, _ := store.SnapshotsForListing(carID)
	if len(snaps) != 2 {
		t.Errorf("expected 2 snapshots after reassignment, got %d", len(snaps))
	}
}

func TestLatestObservationWinsForMutableFields(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	p1 := priced("abc", 12500)
	city1 := "santiago"
	odo1 := int64(41000)
	p1.City = &city1
	p1.Odometer = &odo1
	carID := mustIngest(t, e, run1, p1)
	mustFinalize(t, e, run1)

	run2 := mustOpen(t, e, siteID)
	p2 := priced("abc", 12500)
	city2 := "valparaiso"
	odo2 := int64(43500)
	p2.City = &city2
	p2.Odometer = &odo2
	mustIngest(t, e, run2, p2)
	mustFinalize(t, e, run2)

	listing, ok, err := store.FindListing(siteID, "abc")
	if err != nil || !ok {
		t.Fatalf("find listing: ok=%v err=%v", ok, err)
	}
	if listing.ID != carID {
		t.Fatalf("expected the same listing row")
	}
	if listing.City == nil || *listing.City != "valparaiso" {
		t.Errorf("city should reflect the latest observation, got %v", listing.City)
	}
	if listing.Odometer == nil || *listing.Odometer != 43500 {
		t.Errorf("odometer should reflect the latest observation, got %v", listing.Odometer)
	}
}

func TestReportConditionUpserted(t *testing.T) {
	e, store, siteID := newTestEngine(t)

	run := mustOpen(t, e, siteID)
	p := priced("abc", 12500)
	p.Report = &models.ReportCondition{ExteriorScore: 8, MechanicalScore: 7, Notes: "minor scratches"}
	carID := mustIngest(t, e, run, p)
	mustFinalize(t, e, run)

	rc, ok := store.ReportCondition(carID)
	if !ok {
		t.Fatal("expected a report condition row")
	}
	if rc.ExteriorScore != 8 || rc.MechanicalScore != 7 {
		t.Errorf("stored report condition mismatch: %+v", rc)
	}
}

func TestUnknownRunRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if _, err := e.Ingest(999, priced("abc", 12500)); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("ingest on unknown run: got %v, want ErrUnknownRun", err)
	}
	if _, err := e.FinalizeRun(999, nil); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("finalize on unknown run: got %v, want ErrUnknownRun", err)
	}
}

func TestDaysActiveFromSnapshots(t *testing.T) {
	e, _, siteID := newTestEngine(t)

	run1 := mustOpen(t, e, siteID)
	carID := mustIngest(t, e, run1, priced("abc", 12500))
	mustFinalize(t, e, run1)

	days, err := e.tracker.DaysActive(carID)
	if err != nil {
		t.Fatalf("days active: %v", err)
	}
	if days != 0 {
		t.Errorf("single snapshot means 0 days active, got %f", days)
	}

	run2 := mustOpen(t, e, siteID)
	mustIngest(t, e, run2, priced("abc", 12500))
	mustFinalize(t, e, run2)

	days, err = e.tracker.DaysActive(carID)
	if err != nil {
		t.Fatalf("days active: %v", err)
	}
	if days < 0 || days > 1 {
		t.Errorf("two back-to-back snapshots should span well under a day, got %f", days)
	}
}

func assertStatus(t *testing.T, store *storage.MemoryStore, siteID, carID int64, want string) {
	t.Helper()
	listings, err := store.ListingsBySite(siteID)
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	for _, l := range listings {
		if l.ID == carID {
			if l.Status != want {
				t.Errorf("car %d status: got %q, want %q", carID, l.Status, want)
			}
			return
		}
	}
	t.Fatalf("car %d not found for site %d", carID, siteID)
}
