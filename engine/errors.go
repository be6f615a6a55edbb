package engine

import "errors"

// Per-listing error kinds. Each rejects a single listing and is counted in
// the run summary; none of them aborts the run.
var (
	// ErrValidation marks malformed or out-of-range input, e.g. a negative
	// odometer or a production year outside the allowed range.
	ErrValidation = errors.New("validation failed")

	// ErrResolution marks an attribute bundle missing required identity
	// fields (brand, model, version name, year).
	ErrResolution = errors.New("version resolution failed")

	// ErrDuplicateSnapshot marks a second observation of the same listing
	// within one run. The first observation wins.
	ErrDuplicateSnapshot = errors.New("duplicate snapshot in run")

	// ErrUnknownRun marks an ingest or finalize call against a scrape id the
	// engine did not open or has already closed.
	ErrUnknownRun = errors.New("unknown or closed run")
)
