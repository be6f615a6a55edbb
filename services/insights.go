package services

import (
	"fmt"
	"sort"
	"strings"

	"carmarket-tracker/models"
	"carmarket-tracker/utils"
)

// datasetStore is the read access the insight service needs from storage.
type datasetStore interface {
	AllListings() ([]*models.CarListing, error)
	SnapshotsForListing(carID int64) ([]*models.CarSnapshot, error)
}

// InsightService computes market analytics over the longitudinal dataset:
// current prices, price drops, sold counts and time-on-market.
type InsightService struct {
	store  datasetStore
	logger *utils.Logger
}

// NewInsightService creates an InsightService reading from the given store.
func NewInsightService(store datasetStore, logger *utils.Logger) *InsightService {
	return &InsightService{store: store, logger: logger}
}

// Generate builds a MarketReport from the full listing dataset. Prices are
// taken from each listing's latest snapshot; days active comes from the
// spread between first and last snapshot.
func (s *InsightService) Generate() (*models.MarketReport, error) {
	report := &models.MarketReport{
		ListingsByCity: make(map[string]int),
	}

	listings, err := s.store.AllListings()
	if err != nil {
		return nil, fmt.Errorf("insights: load listings: %w", err)
	}
	if len(listings) == 0 {
		return report, nil
	}

	report.TotalListings = len(listings)

	var priceCount int
	var daysTotal float64
	var daysCount int

	for _, l := range listings {
		switch l.Status {
		case models.StatusDelisted:
			report.SoldListings++
		case models.StatusNew, models.StatusActive, models.StatusPriceChanged:
			report.ActiveListings++
		}
		if l.City != nil && *l.City != "" {
			report.ListingsByCity[*l.City]++
		}

		snaps, err := s.store.SnapshotsForListing(l.ID)
		if err != nil {
			return nil, fmt.Errorf("insights: snapshots for car %d: %w", l.ID, err)
		}
		if len(snaps) == 0 {
			continue
		}

		latest := snaps[len(snaps)-1].Price
		if latest > 0 {
			if priceCount == 0 {
				report.MinPrice = latest
				report.MaxPrice = latest
			}
			report.AveragePrice += latest
			if latest < report.MinPrice {
				report.MinPrice = latest
			}
			if latest > report.MaxPrice {
				report.MaxPrice = latest
			}
			priceCount++
		}

		for i := 1; i < len(snaps); i++ {
			if snaps[i].Price < snaps[i-1].Price {
				report.PriceDrops++
				break
			}
		}

		if len(snaps) >= 2 {
			daysTotal += snaps[len(snaps)-1].ObservedAt.Sub(snaps[0].ObservedAt).Hours() / 24
			daysCount++
		}
	}

	if priceCount > 0 {
		report.AveragePrice = round2(report.AveragePrice / float64(priceCount))
	}
	if daysCount > 0 {
		report.AvgDaysActive = round2(daysTotal / float64(daysCount))
	}
	return report, nil
}

// Print renders the report to stdout.
func (s *InsightService) Print(r *models.MarketReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  📊 CAR MARKET INSIGHTS\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	fmt.Printf("\033[1;33m  Overview\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Tracked listings : \033[1m%d\033[0m\n", r.TotalListings)
	fmt.Printf("  Currently active : \033[1m%d\033[0m\n", r.ActiveListings)
	fmt.Printf("  Sold (delisted)  : \033[1m%d\033[0m\n", r.SoldListings)
	fmt.Printf("  Price drops seen : \033[1m%d\033[0m\n", r.PriceDrops)
	fmt.Println()

	fmt.Printf("\033[1;33m  Price Statistics (latest observations)\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if r.AveragePrice > 0 {
		fmt.Printf("  Average price : \033[1;32m$%.2f\033[0m\n", r.AveragePrice)
		fmt.Printf("  Minimum price : \033[1;32m$%.2f\033[0m\n", r.MinPrice)
		fmt.Printf("  Maximum price : \033[1;32m$%.2f\033[0m\n", r.MaxPrice)
	} else {
		fmt.Printf("  No price data available\n")
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  Time on Market\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if r.AvgDaysActive > 0 {
		fmt.Printf("  Average days active : \033[1m%.1f\033[0m\n", r.AvgDaysActive)
	} else {
		fmt.Printf("  Not enough history yet\n")
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  Listings by City\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.ListingsByCity) == 0 {
		fmt.Printf("  No city data\n")
	} else {
		type cityCount struct {
			city  string
			count int
		}
		var cities []cityCount
		for city, cnt := range r.ListingsByCity {
			cities = append(cities, cityCount{city, cnt})
		}
		sort.Slice(cities, func(i, j int) bool {
			return cities[i].count > cities[j].count
		})
		for _, cc := range cities {
			bar := strings.Repeat("█", cc.count)
			fmt.Printf("  %-30s %s (%d)\n", truncate(cc.city, 28), bar, cc.count)
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
