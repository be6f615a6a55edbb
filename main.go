package main

import (
	"os"
	"time"

	"carmarket-tracker/config"
	"carmarket-tracker/engine"
	"carmarket-tracker/models"
	"carmarket-tracker/scraper"
	"carmarket-tracker/scraper/autoplaza"
	"carmarket-tracker/scraper/motormercado"
	"carmarket-tracker/services"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

func main() {
	logger := utils.NewLogger()
	cfg := config.Load()

	logger.Info("=== Used-Car Market Tracker starting ===")
	logger.Info("Config — sites: %d | pages/run: %d | concurrency: %d | rate: %dms",
		len(cfg.Sites), cfg.PagesPerRun, cfg.MaxConcurrency, cfg.RateLimitMs)

	store, err := storage.NewPostgresStore(cfg.DSN())
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL: %v", err)
		logger.Error("Make sure Docker is running: docker compose up -d")
		os.Exit(1)
	}
	defer store.Close()

	eng := engine.New(store, logger)
	parser := services.NewParser(logger)

	// One run per site; sites proceed concurrently, each run is sequential
	// inside.
	pool := utils.NewWorkerPool(cfg.MaxConcurrency, 0)
	for _, site := range cfg.Sites {
		site := site
		pool.Submit(func() {
			runSite(cfg, logger, store, eng, parser, site)
		})
	}
	pool.Wait()

	if err := exportSnapshots(store, cfg.CSVOutputPath); err != nil {
		logger.Error("CSV export failed: %v", err)
	} else {
		logger.Info("Snapshot dataset exported to %s", cfg.CSVOutputPath)
	}

	insightSvc := services.NewInsightService(store, logger)
	report, err := insightSvc.Generate()
	if err != nil {
		logger.Error("Failed to generate market report: %v", err)
		return
	}
	insightSvc.Print(report)
}

// runSite executes one full ingestion run for a site: open the ledger, walk
// the result pages, ingest every parsed ad, finalize. A fetch failure closes
// the run as failed but keeps whatever was saved before it.
func runSite(cfg *config.Config, logger *utils.Logger, store storage.Store,
	eng *engine.Engine, parser *services.Parser, site config.SiteConfig) {

	siteID, err := store.EnsureSite(site.Name, site.BaseURL)
	if err != nil {
		logger.Error("[%s] Failed to register site: %v", site.Name, err)
		return
	}

	src := newSource(cfg, site, logger)
	if src == nil {
		logger.Error("[%s] No scraper implementation for this site — skipping", site.Name)
		return
	}

	if last, ok, err := store.LatestCompletedScrape(siteID); err == nil && ok {
		logger.Info("[%s] Last completed run %d finished at %s",
			site.Name, last.ID, last.EndedAt.Format(time.RFC3339))
	}

	scrapeID, err := eng.OpenRun(siteID)
	if err != nil {
		logger.Error("[%s] Failed to open run: %v", site.Name, err)
		return
	}

	var runErr error
	cursor := ""
	for page := 1; page <= cfg.PagesPerRun; page++ {
		pg, err := src.FetchPage(cursor)
		if err != nil {
			runErr = err
			break
		}
		for _, parsed := range parser.Parse(pg.Ads) {
			// Per-listing failures are already counted and logged by the
			// engine; nothing to do here.
			_, _ = eng.Ingest(scrapeID, parsed)
		}
		if pg.Next == "" {
			break
		}
		cursor = pg.Next
		time.Sleep(time.Duration(cfg.RateLimitMs) * time.Millisecond)
	}

	summary, err := eng.FinalizeRun(scrapeID, runErr)
	if err != nil {
		logger.Error("[%s] Failed to finalize run %d: %v", site.Name, scrapeID, err)
		return
	}

	logger.Info("[%s] Run %d done — found=%d saved=%d rejected=%d | new=%d active=%d price_changed=%d delisted=%d",
		site.Name, summary.ScrapeID, summary.Found, summary.Saved, summary.Rejected,
		summary.Lifecycle.New, summary.Lifecycle.Active,
		summary.Lifecycle.PriceChanged, summary.Lifecycle.Delisted)
}

// newSource picks the scraper implementation for a configured site.
func newSource(cfg *config.Config, site config.SiteConfig, logger *utils.Logger) scraper.Source {
	switch site.Name {
	case "autoplaza":
		return autoplaza.New(cfg, site.BaseURL, logger)
	case "motormercado":
		return motormercado.New(cfg, site.BaseURL, logger)
	default:
		return nil
	}
}

// exportSnapshots dumps every listing's snapshot history to the CSV file.
func exportSnapshots(store *storage.PostgresStore, path string) error {
	csvw, err := storage.NewCSVWriter(path)
	if err != nil {
		return err
	}
	defer csvw.Close()

	listings, err := store.AllListings()
	if err != nil {
		return err
	}

	var all []*models.CarSnapshot
	for _, l := range listings {
		snaps, err := store.SnapshotsForListing(l.ID)
		if err != nil {
			return err
		}
		all = append(all, snaps...)
	}
	return csvw.WriteSnapshots(all)
}
