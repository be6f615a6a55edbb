package services

import (
	"testing"
	"time"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
)

func seedListing(t *testing.T, store *storage.MemoryStore, extID, city, status string, prices []float64) int64 {
	t.Helper()
	now := time.Now()
	carID, err := store.CreateListing(&models.CarListing{
		SiteID:     1,
		ExternalID: extID,
		VersionID:  1,
		URL:        "https://site/" + extID,
		City:       &city,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	for i, price := range prices {
		_, err := store.InsertSnapshot(&models.CarSnapshot{
			ScrapeID:   int64(i + 1),
			CarID:      carID,
			Price:      price,
			ObservedAt: now.Add(time.Duration(i) * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("insert snapshot: %v", err)
		}
	}
	if err := store.SetListingStatus(carID, status); err != nil {
		t.Fatalf("set status: %v", err)
	}
	return carID
}

func TestInsightsGenerate(t *testing.T) {
	store := storage.NewMemoryStore()
	seedListing(t, store, "a1", "santiago", models.StatusActive, []float64{10000, 10000})
	seedListing(t, store, "a2", "santiago", models.StatusPriceChanged, []float64{9000, 8500})
	seedListing(t, store, "a3", "valparaiso", models.StatusDelisted, []float64{12000})

	svc := NewInsightService(store, newTestLogger())
	report, err := svc.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if report.TotalListings != 3 {
		t.Errorf("total: got %d, want 3", report.TotalListings)
	}
	if report.ActiveListings != 2 {
		t.Errorf("active: got %d, want 2", report.ActiveListings)
	}
	if report.SoldListings != 1 {
		t.Errorf("sold: got %d, want 1", report.SoldListings)
	}
	if report.PriceDrops != 1 {
		t.Errorf("price drops: got %d, want 1", report.PriceDrops)
	}
	if report.MinPrice != 8500 || report.MaxPrice != 12000 {
		t.Errorf("price range: got [%.0f, %.0f], want [8500, 12000]", report.MinPrice, report.MaxPrice)
	}
	if report.ListingsByCity["santiago"] != 2 || report.ListingsByCity["valparaiso"] != 1 {
		t.Errorf("by city: %+v", report.ListingsByCity)
	}
	if report.AvgDaysActive != 1 {
		t.Errorf("avg days active: got %g, want 1", report.AvgDaysActive)
	}
}

func TestInsightsEmptyDataset(t *testing.T) {
	svc := NewInsightService(storage.NewMemoryStore(), newTestLogger())
	report, err := svc.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if report.TotalListings != 0 || report.AveragePrice != 0 {
		t.Errorf("empty dataset should yield an empty report: %+v", report)
	}
}
