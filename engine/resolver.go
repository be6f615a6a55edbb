package engine

import (
	"fmt"
	"time"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

// createAttempts bounds the find/create loop when racing another writer on
// the same canonical key. One retry is enough in practice: after a conflict
// the winning row is guaranteed to exist.
const createAttempts = 3

// VersionResolver maps a parsed attribute bundle to a canonical Version id,
// creating Brand/Model/Version rows on first sighting. Identical bundles
// modulo missing optional fields always resolve to the same Version.
type VersionResolver struct {
	store  storage.TaxonomyStore
	logger *utils.Logger
	keys   *utils.KeyedMutex
	now    func() time.Time
}

// NewVersionResolver creates a resolver backed by the given taxonomy store.
func NewVersionResolver(store storage.TaxonomyStore, logger *utils.Logger, keys *utils.KeyedMutex) *VersionResolver {
	return &VersionResolver{store: store, logger: logger, keys: keys, now: time.Now}
}

// Resolve returns the Version id for the listing's attribute bundle,
// creating taxonomy rows as needed. Concurrent resolution of the same new
// version yields exactly one row: in-process callers serialize on the
// canonical key, and cross-process races are absorbed by re-looking up after
// a storage conflict.
func (r *VersionResolver) Resolve(p *models.ParsedListing) (int64, error) {
	if p.Brand == "" || p.Model == "" || p.VersionName == "" || p.Year == 0 {
		return 0, fmt.Errorf("listing %q is missing required identity fields: %w",
			p.ExternalID, ErrResolution)
	}
	if p.Year < models.MinYear || p.Year > r.now().Year() {
		return 0, fmt.Errorf("year %d outside [%d, %d]: %w",
			p.Year, models.MinYear, r.now().Year(), ErrValidation)
	}

	brandID, err := r.store.EnsureBrand(p.Brand)
	if err != nil {
		return 0, fmt.Errorf("resolver: ensure brand %q: %w", p.Brand, err)
	}
	modelID, err := r.store.EnsureModel(brandID, p.Model)
	if err != nil {
		return 0, fmt.Errorf("resolver: ensure model %q: %w", p.Model, err)
	}

	key := canonicalKey(modelID, p.VersionName, p.Year, p.Displacement, p.Transmission)
	lockKey := fmt.Sprintf("version|%d|%s|%d|%g|%s",
		key.ModelID, key.Name, key.Year, key.Displacement, key.Transmission)

	r.keys.Lock(lockKey)
	defer r.keys.Unlock(lockKey)

	versionID, err := r.findOrCreate(key, p)
	if err != nil {
		return 0, err
	}

	if p.Detail != nil {
		if err := r.attachDetail(versionID, p.Detail); err != nil {
			return 0, err
		}
	}
	return versionID, nil
}

func (r *VersionResolver) findOrCreate(key models.VersionKey, p *models.ParsedListing) (int64, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		id, found, err := r.store.FindVersion(key)
		if err != nil {
			return 0, fmt.Errorf("resolver: find version: %w", err)
		}
		if found {
			return id, nil
		}

		id, err = r.store.CreateVersion(&models.Version{
			ModelID:      key.ModelID,
			Name:         key.Name,
			Year:         key.Year,
			Displacement: p.Displacement,
			Transmission: p.Transmission,
		})
		if err == nil {
			r.logger.Debug("[resolver] New version %d: %s %s %s (%d)",
				id, p.Brand, p.Model, key.Name, key.Year)
			return id, nil
		}
		if err != storage.ErrKeyConflict {
			return 0, fmt.Errorf("resolver: create version: %w", err)
		}
		// Lost the race: another writer created the row, re-lookup wins it.
	}
	return 0, fmt.Errorf("resolver: version key still conflicting after %d attempts", createAttempts)
}

// attachDetail stores rich specs only when the version has none yet. A later,
// possibly less complete observation never replaces existing detail.
func (r *VersionResolver) attachDetail(versionID int64, d *models.VersionDetail) error {
	has, err := r.store.HasVersionDetail(versionID)
	if err != nil {
		return fmt.Errorf("resolver: check version detail: %w", err)
	}
	if has {
		return nil
	}
	if err := r.store.CreateVersionDetail(versionID, d); err != nil {
		if err == storage.ErrKeyConflict {
			return nil
		}
		return fmt.Errorf("resolver: attach version detail: %w", err)
	}
	return nil
}

// canonicalKey coalesces missing optional attributes onto sentinel values so
// that "unknown displacement" listings collapse onto one Version.
func canonicalKey(modelID int64, name string, year int, displ *float64, trans *string) models.VersionKey {
	key := models.VersionKey{
		ModelID:      modelID,
		Name:         name,
		Year:         year,
		Displacement: models.UnknownDisplacement,
		Transmission: models.UnknownTransmission,
	}
	if displ != nil {
		key.Displacement = *displ
	}
	if trans != nil {
		key.Transmission = *trans
	}
	return key
}
