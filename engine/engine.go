package engine

import (
	"fmt"
	"sync"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

// Engine is the listing resolution and snapshot core. One Engine serves all
// sites; each site's daily run is opened, ingested into and finalized
// independently, and runs for different sites may proceed concurrently.
type Engine struct {
	store  storage.Store
	logger *utils.Logger

	resolver *VersionResolver
	upserter *ListingUpserter
	recorder *SnapshotRecorder
	tracker  *LifecycleTracker
	ledger   *RunLedger

	mu   sync.Mutex
	runs map[int64]*runState
}

// runState tracks one open run's counters and in-run dedupe set.
type runState struct {
	scrape *models.Scrape
	seen   *utils.KeySet

	mu       sync.Mutex
	found    int
	saved    int
	rejected int
}

// New creates an Engine on top of the given store. All components share one
// keyed mutex so that same-canonical-key work serializes across concurrent
// ingest calls while different keys proceed in parallel.
func New(store storage.Store, logger *utils.Logger) *Engine {
	keys := utils.NewKeyedMutex()
	return &Engine{
		store:    store,
		logger:   logger,
		resolver: NewVersionResolver(store, logger, keys),
		upserter: NewListingUpserter(store, logger, keys),
		recorder: NewSnapshotRecorder(store, logger),
		tracker:  NewLifecycleTracker(store, logger),
		ledger:   NewRunLedger(store, logger),
		runs:     make(map[int64]*runState),
	}
}

// OpenRun starts a ledger row for one site's run and returns the scrape id
// used by Ingest and FinalizeRun.
func (e *Engine) OpenRun(siteID int64) (int64, error) {
	scrape, err := e.ledger.Open(siteID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.runs[scrape.ID] = &runState{scrape: scrape, seen: utils.NewKeySet()}
	e.mu.Unlock()

	return scrape.ID, nil
}

// Ingest processes one parsed listing for an open run: resolve the version,
// upsert the listing, append the snapshot. Errors reject only this listing;
// they are counted in the run summary and returned for logging, never fatal
// to the run.
func (e *Engine) Ingest(scrapeID int64, p *models.ParsedListing) (int64, error) {
	rs, err := e.run(scrapeID)
	if err != nil {
		return 0, err
	}
	rs.add(func(c *runState) { c.found++ })

	if !rs.seen.Add(p.ExternalID) {
		rs.add(func(c *runState) { c.rejected++ })
		return 0, fmt.Errorf("listing %q seen twice in run %d: %w",
			p.ExternalID, scrapeID, ErrDuplicateSnapshot)
	}

	carID, err := e.ingestOne(rs, p)
	if err != nil {
		rs.add(func(c *runState) { c.rejected++ })
		e.logger.Warn("[engine] Run %d rejected listing %q: %v", scrapeID, p.ExternalID, err)
		return 0, err
	}

	rs.add(func(c *runState) { c.saved++ })
	return carID, nil
}

func (e *Engine) ingestOne(rs *runState, p *models.ParsedListing) (int64, error) {
	versionID, err := e.resolver.Resolve(p)
	if err != nil {
		return 0, err
	}
	carID, err := e.upserter.Upsert(rs.scrape.SiteID, versionID, p)
	if err != nil {
		return 0, err
	}
	if _, err := e.recorder.Record(rs.scrape.ID, carID, p.Price, p.Labels); err != nil {
		return 0, err
	}
	return carID, nil
}

// FinalizeRun closes a run. On success (runErr == nil) it first reconciles
// lifecycle statuses, strictly after every snapshot of the run has been
// committed, and then closes the ledger. On failure the ledger is closed
// with the partial counts and reconciliation is skipped: a partially written
// run must not delist listings it simply never got to.
func (e *Engine) FinalizeRun(scrapeID int64, runErr error) (*models.RunSummary, error) {
	e.mu.Lock()
	rs, ok := e.runs[scrapeID]
	delete(e.runs, scrapeID)
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %d: %w", scrapeID, ErrUnknownRun)
	}

	rs.mu.Lock()
	summary := &models.RunSummary{
		ScrapeID: scrapeID,
		SiteID:   rs.scrape.SiteID,
		Found:    rs.found,
		Saved:    rs.saved,
		Rejected: rs.rejected,
	}
	rs.mu.Unlock()

	if runErr == nil {
		changes, err := e.tracker.Reconcile(rs.scrape.SiteID, scrapeID)
		if err != nil {
			runErr = err
		} else {
			summary.Lifecycle = changes
		}
	}

	if err := e.ledger.Close(rs.scrape, RunOutcome{
		Err:      runErr,
		Found:    summary.Found,
		Saved:    summary.Saved,
		Rejected: summary.Rejected,
	}); err != nil {
		return nil, err
	}
	return summary, nil
}

func (e *Engine) run(scrapeID int64) (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[scrapeID]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", scrapeID, ErrUnknownRun)
	}
	return rs, nil
}

func (rs *runState) add(f func(*runState)) {
	rs.mu.Lock()
	f(rs)
	rs.mu.Unlock()
}
