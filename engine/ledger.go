package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

// RunOutcome describes how a run ended. Err is nil on full success; a non-nil
// Err closes the run as failed while keeping the partial counts, since
// whatever was durably saved before the failure stays valid.
type RunOutcome struct {
	Err      error
	Found    int
	Saved    int
	Rejected int
}

// RunLedger records each run's time window, outcome and counts. It never
// retries anything itself; its only job is to make every run auditable and to
// give reconciliation a well-defined "latest completed run" per site.
type RunLedger struct {
	store  storage.ScrapeStore
	logger *utils.Logger
}

// NewRunLedger creates a ledger backed by the given scrape store.
func NewRunLedger(store storage.ScrapeStore, logger *utils.Logger) *RunLedger {
	return &RunLedger{store: store, logger: logger}
}

// Open records the start of a run for a site and returns the scrape row.
// Each run carries a UUID used for log and audit correlation.
func (l *RunLedger) Open(siteID int64) (*models.Scrape, error) {
	scrape := &models.Scrape{
		SiteID:    siteID,
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	id, err := l.store.CreateScrape(scrape)
	if err != nil {
		return nil, fmt.Errorf("ledger: open run for site %d: %w", siteID, err)
	}
	scrape.ID = id
	l.logger.Info("[ledger] Run %d opened — site=%d run_id=%s", id, siteID, scrape.RunID)
	return scrape, nil
}

// Close finalizes the run row. Called exactly once per opened run, on success
// and on failure alike.
func (l *RunLedger) Close(scrape *models.Scrape, outcome RunOutcome) error {
	now := time.Now()
	scrape.EndedAt = &now
	scrape.ListingsFound = outcome.Found
	scrape.ListingsSaved = outcome.Saved
	scrape.FinishOK = outcome.Err == nil
	if outcome.Err != nil {
		scrape.ErrorType = classifyError(outcome.Err)
		scrape.ErrorMsg = outcome.Err.Error()
	}

	if err := l.store.CloseScrape(scrape); err != nil {
		return fmt.Errorf("ledger: close run %d: %w", scrape.ID, err)
	}

	if scrape.FinishOK {
		l.logger.Info("[ledger] Run %d closed OK — found=%d saved=%d rejected=%d",
			scrape.ID, outcome.Found, outcome.Saved, outcome.Rejected)
	} else {
		l.logger.Warn("[ledger] Run %d closed with failure (%s) — found=%d saved=%d: %v",
			scrape.ID, scrape.ErrorType, outcome.Found, outcome.Saved, outcome.Err)
	}
	return nil
}

// classifyError buckets a run-level error for the ledger's error_type column.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrDuplicateSnapshot):
		return "duplicate_snapshot"
	default:
		return "run_failure"
	}
}
