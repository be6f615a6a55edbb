package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"carmarket-tracker/models"
)

// PostgresStore is the production Store backed by PostgreSQL. The unique
// constraints created by migrate are load-bearing: they are what turns a
// concurrent canonical-key race into ErrKeyConflict instead of a duplicate
// row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	_, err := ps.db.Exec(`
		CREATE TABLE IF NOT EXISTS sites (
			site_id    SERIAL PRIMARY KEY,
			name       VARCHAR(100) UNIQUE NOT NULL,
			base_url   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS brands (
			brand_id SERIAL PRIMARY KEY,
			name     VARCHAR(100) UNIQUE NOT NULL
		);

		CREATE TABLE IF NOT EXISTS car_models (
			model_id SERIAL PRIMARY KEY,
			brand_id INT NOT NULL REFERENCES brands(brand_id),
			name     VARCHAR(100) NOT NULL,
			UNIQUE (brand_id, name)
		);

		CREATE TABLE IF NOT EXISTS versions (
			version_id   SERIAL PRIMARY KEY,
			model_id     INT NOT NULL REFERENCES car_models(model_id),
			name         VARCHAR(150) NOT NULL,
			year         INT NOT NULL,
			displacement NUMERIC(4,1),
			transmission VARCHAR(30)
		);

		-- Canonical identity: missing optional attributes coalesce onto
		-- sentinels so "unknown transmission" listings share one Version.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_canonical
			ON versions (model_id, name, year,
			             COALESCE(displacement, -1), COALESCE(transmission, ''));

		CREATE TABLE IF NOT EXISTS version_details (
			version_id  INT PRIMARY KEY REFERENCES versions(version_id),
			horsepower  INT NOT NULL DEFAULT 0,
			doors       INT NOT NULL DEFAULT 0,
			fuel_type   VARCHAR(30) NOT NULL DEFAULT '',
			length_mm   INT NOT NULL DEFAULT 0,
			has_abs     BOOLEAN NOT NULL DEFAULT FALSE,
			has_airbags BOOLEAN NOT NULL DEFAULT FALSE,
			has_ac      BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS car_listings (
			car_id      BIGSERIAL PRIMARY KEY,
			site_id     INT NOT NULL REFERENCES sites(site_id),
			external_id VARCHAR(100) NOT NULL,
			version_id  INT NOT NULL REFERENCES versions(version_id),
			url         TEXT NOT NULL,
			city        TEXT,
			odometer    BIGINT,
			image_ref   TEXT,
			status      VARCHAR(20) NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			UNIQUE (site_id, external_id)
		);

		CREATE TABLE IF NOT EXISTS report_conditions (
			car_id           BIGINT PRIMARY KEY REFERENCES car_listings(car_id),
			exterior_score   INT NOT NULL DEFAULT 0,
			mechanical_score INT NOT NULL DEFAULT 0,
			accident_history BOOLEAN NOT NULL DEFAULT FALSE,
			notes            TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS scrapes (
			scrape_id      BIGSERIAL PRIMARY KEY,
			site_id        INT NOT NULL REFERENCES sites(site_id),
			run_id         UUID NOT NULL,
			started_at     TIMESTAMPTZ NOT NULL,
			ended_at       TIMESTAMPTZ,
			finish_ok      BOOLEAN NOT NULL DEFAULT FALSE,
			error_type     VARCHAR(40) NOT NULL DEFAULT '',
			error_msg      TEXT NOT NULL DEFAULT '',
			listings_found INT NOT NULL DEFAULT 0,
			listings_saved INT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS car_snapshots (
			snapshot_id BIGSERIAL PRIMARY KEY,
			scrape_id   BIGINT NOT NULL REFERENCES scrapes(scrape_id),
			car_id      BIGINT NOT NULL REFERENCES car_listings(car_id),
			price       NUMERIC(12,2) NOT NULL,
			labels      TEXT[] NOT NULL DEFAULT '{}',
			observed_at TIMESTAMPTZ NOT NULL,
			UNIQUE (scrape_id, car_id)
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_car    ON car_snapshots(car_id, observed_at);
		CREATE INDEX IF NOT EXISTS idx_listings_site    ON car_listings(site_id);
		CREATE INDEX IF NOT EXISTS idx_scrapes_site     ON scrapes(site_id, ended_at);
	`)
	return err
}

// Close closes the underlying connection pool.
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// ensure runs an insert-on-conflict-do-nothing followed by a select, the
// atomic lookup-or-create used for all reference entities.
func (ps *PostgresStore) ensure(insertQ, selectQ string, insertArgs, selectArgs []interface{}) (int64, error) {
	var id int64
	err := ps.db.QueryRow(insertQ, insertArgs...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	if err := ps.db.QueryRow(selectQ, selectArgs...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// EnsureSite implements SiteStore.
func (ps *PostgresStore) EnsureSite(name, baseURL string) (int64, error) {
	id, err := ps.ensure(
		`INSERT INTO sites (name, base_url) VALUES ($1, $2)
		 ON CONFLICT (name) DO NOTHING RETURNING site_id`,
		`SELECT site_id FROM sites WHERE name = $1`,
		[]interface{}{name, baseURL}, []interface{}{name},
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: ensure site %q: %w", name, err)
	}
	return id, nil
}

// EnsureBrand implements TaxonomyStore.
func (ps *PostgresStore) EnsureBrand(name string) (int64, error) {
	id, err := ps.ensure(
		`INSERT INTO brands (name) VALUES ($1)
		 ON CONFLICT (name) DO NOTHING RETURNING brand_id`,
		`SELECT brand_id FROM brands WHERE name = $1`,
		[]interface{}{name}, []interface{}{name},
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: ensure brand %q: %w", name, err)
	}
	return id, nil
}

// EnsureModel implements TaxonomyStore.
func (ps *PostgresStore) EnsureModel(brandID int64, name string) (int64, error) {
	id, err := ps.ensure(
		`INSERT INTO car_models (brand_id, name) VALUES ($1, $2)
		 ON CONFLICT (brand_id, name) DO NOTHING RETURNING model_id`,
		`SELECT model_id FROM car_models WHERE brand_id = $1 AND name = $2`,
		[]interface{}{brandID, name}, []interface{}{brandID, name},
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: ensure model %q: %w", name, err)
	}
	return id, nil
}

// FindVersion implements TaxonomyStore.
func (ps *PostgresStore) FindVersion(key models.VersionKey) (int64, bool, error) {
	var id int64
	err := ps.db.QueryRow(`
		SELECT version_id FROM versions
		WHERE model_id = $1 AND name = $2 AND year = $3
		  AND COALESCE(displacement, -1) = $4
		  AND COALESCE(transmission, '') = $5
	`, key.ModelID, key.Name, key.Year, key.Displacement, key.Transmission).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres: find version: %w", err)
	}
	return id, true, nil
}

// CreateVersion implements TaxonomyStore.
func (ps *PostgresStore) CreateVersion(v *models.Version) (int64, error) {
	var id int64
	err := ps.db.QueryRow(`
		INSERT INTO versions (model_id, name, year, displacement, transmission)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING version_id
	`, v.ModelID, v.Name, v.Year, nullFloat(v.Displacement), nullString(v.Transmission)).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrKeyConflict
		}
		return 0, fmt.Errorf("postgres: create version: %w", err)
	}
	return id, nil
}

// HasVersionDetail implements TaxonomyStore.
func (ps *PostgresStore) HasVersionDetail(versionID int64) (bool, error) {
	var one int
	err := ps.db.QueryRow(
		`SELECT 1 FROM version_details WHERE version_id = $1`, versionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: has version detail: %w", err)
	}
	return true, nil
}

// CreateVersionDetail implements TaxonomyStore.
func (ps *PostgresStore) CreateVersionDetail(versionID int64, d *models.VersionDetail) error {
	_, err := ps.db.Exec(`
		INSERT INTO version_details
			(version_id, horsepower, doors, fuel_type, length_mm, has_abs, has_airbags, has_ac)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, versionID, d.Horsepower, d.Doors, d.FuelType, d.LengthMM, d.HasABS, d.HasAirbags, d.HasAC)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyConflict
		}
		return fmt.Errorf("postgres: create version detail: %w", err)
	}
	return nil
}

// FindListing implements ListingStore.
func (ps *PostgresStore) FindListing(siteID int64, externalID string) (*models.CarListing, bool, error) {
	l := &models.CarListing{}
	var city, imageRef sql.NullString
	var odometer sql.NullInt64
	err := ps.db.QueryRow(`
		SELECT car_id, site_id, external_id, version_id, url, city, odometer,
		       image_ref, status, created_at, updated_at
		FROM car_listings
		WHERE site_id = $1 AND external_id = $2
	`, siteID, externalID).Scan(
		&l.ID, &l.SiteID, &l.ExternalID, &l.VersionID, &l.URL, &city, &odometer,
		&imageRef, &l.Status, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: find listing: %w", err)
	}
	l.City = fromNullString(city)
	l.Odometer = fromNullInt(odometer)
	l.ImageRef = fromNullString(imageRef)
	return l, true, nil
}

// CreateListing implements ListingStore.
func (ps *PostgresStore) CreateListing(l *models.CarListing) (int64, error) {
	var id int64
	err := ps.db.QueryRow(`
		INSERT INTO car_listings
			(site_id, external_id, version_id, url, city, odometer, image_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING car_id
	`, l.SiteID, l.ExternalID, l.VersionID, l.URL, nullString(l.City),
		nullInt(l.Odometer), nullString(l.ImageRef), l.CreatedAt, l.UpdatedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrKeyConflict
		}
		return 0, fmt.Errorf("postgres: create listing: %w", err)
	}
	return id, nil
}

// UpdateListing implements ListingStore.
func (ps *PostgresStore) UpdateListing(l *models.CarListing) error {
	_, err := ps.db.Exec(`
		UPDATE car_listings
		SET version_id = $1, url = $2, city = $3, odometer = $4,
		    image_ref = $5, updated_at = $6
		WHERE car_id = $7
	`, l.VersionID, l.URL, nullString(l.City), nullInt(l.Odometer),
		nullString(l.ImageRef), l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("postgres: update listing %d: %w", l.ID, err)
	}
	return nil
}

// SetListingStatus implements ListingStore.
func (ps *PostgresStore) SetListingStatus(carID int64, status string) error {
	_, err := ps.db.Exec(
		`UPDATE car_listings SET status = $1 WHERE car_id = $2`, status, carID)
	if err != nil {
		return fmt.Errorf("postgres: set status on listing %d: %w", carID, err)
	}
	return nil
}

// UpsertReportCondition implements ListingStore.
func (ps *PostgresStore) UpsertReportCondition(carID int64, rc *models.ReportCondition) error {
	_, err := ps.db.Exec(`
		INSERT INTO report_conditions
			(car_id, exterior_score, mechanical_score, accident_history, notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (car_id) DO UPDATE SET
			exterior_score = EXCLUDED.exterior_score,
			mechanical_score = EXCLUDED.mechanical_score,
			accident_history = EXCLUDED.accident_history,
			notes = EXCLUDED.notes
	`, carID, rc.ExteriorScore, rc.MechanicalScore, rc.AccidentHistory, rc.Notes)
	if err != nil {
		return fmt.Errorf("postgres: upsert report condition: %w", err)
	}
	return nil
}

// ListingsBySite implements ListingStore.
func (ps *PostgresStore) ListingsBySite(siteID int64) ([]*models.CarListing, error) {
	rows, err := ps.db.Query(`
		SELECT car_id, site_id, external_id, version_id, url, city, odometer,
		       image_ref, status, created_at, updated_at
		FROM car_listings
		WHERE site_id = $1
		ORDER BY car_id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("postgres: listings by site: %w", err)
	}
	return scanListings(rows)
}

// AllListings returns every listing, for reporting.
func (ps *PostgresStore) AllListings() ([]*models.CarListing, error) {
	rows, err := ps.db.Query(`
		SELECT car_id, site_id, external_id, version_id, url, city, odometer,
		       image_ref, status, created_at, updated_at
		FROM car_listings
		ORDER BY car_id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: all listings: %w", err)
	}
	return scanListings(rows)
}

func scanListings(rows *sql.Rows) ([]*models.CarListing, error) {
	defer rows.Close()

	var listings []*models.CarListing
	for rows.Next() {
		l := &models.CarListing{}
		var city, imageRef sql.NullString
		var odometer sql.NullInt64
		if err := rows.Scan(
			&l.ID, &l.SiteID, &l.ExternalID, &l.VersionID, &l.URL, &city,
			&odometer, &imageRef, &l.Status, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		l.City = fromNullString(city)
		l.Odometer = fromNullInt(odometer)
		l.ImageRef = fromNullString(imageRef)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// InsertSnapshot implements SnapshotStore.
func (ps *PostgresStore) InsertSnapshot(s *models.CarSnapshot) (int64, error) {
	var id int64
	err := ps.db.QueryRow(`
		INSERT INTO car_snapshots (scrape_id, car_id, price, labels, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING snapshot_id
	`, s.ScrapeID, s.CarID, s.Price, pq.Array(s.Labels), s.ObservedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrKeyConflict
		}
		return 0, fmt.Errorf("postgres: insert snapshot: %w", err)
	}
	return id, nil
}

// SnapshotsForListing implements SnapshotStore.
func (ps *PostgresStore) SnapshotsForListing(carID int64) ([]*models.CarSnapshot, error) {
	rows, err := ps.db.Query(`
		SELECT snapshot_id, scrape_id, car_id, price, labels, observed_at
		FROM car_snapshots
		WHERE car_id = $1
		ORDER BY observed_at, snapshot_id
	`, carID)
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshots for listing: %w", err)
	}
	defer rows.Close()

	var snaps []*models.CarSnapshot
	for rows.Next() {
		s := &models.CarSnapshot{}
		if err := rows.Scan(&s.ID, &s.ScrapeID, &s.CarID, &s.Price,
			pq.Array(&s.Labels), &s.ObservedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// CarIDsInScrape implements SnapshotStore.
func (ps *PostgresStore) CarIDsInScrape(scrapeID int64) ([]int64, error) {
	rows, err := ps.db.Query(
		`SELECT car_id FROM car_snapshots WHERE scrape_id = $1`, scrapeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: cars in scrape: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan car id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateScrape implements ScrapeStore.
func (ps *PostgresStore) CreateScrape(s *models.Scrape) (int64, error) {
	var id int64
	err := ps.db.QueryRow(`
		INSERT INTO scrapes (site_id, run_id, started_at)
		VALUES ($1, $2, $3)
		RETURNING scrape_id
	`, s.SiteID, s.RunID, s.StartedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create scrape: %w", err)
	}
	return id, nil
}

// CloseScrape implements ScrapeStore.
func (ps *PostgresStore) CloseScrape(s *models.Scrape) error {
	res, err := ps.db.Exec(`
		UPDATE scrapes
		SET ended_at = $1, finish_ok = $2, error_type = $3, error_msg = $4,
		    listings_found = $5, listings_saved = $6
		WHERE scrape_id = $7 AND ended_at IS NULL
	`, s.EndedAt, s.FinishOK, s.ErrorType, s.ErrorMsg,
		s.ListingsFound, s.ListingsSaved, s.ID)
	if err != nil {
		return fmt.Errorf("postgres: close scrape %d: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: close scrape %d: %w", s.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: scrape %d missing or already closed", s.ID)
	}
	return nil
}

// GetScrape implements ScrapeStore.
func (ps *PostgresStore) GetScrape(scrapeID int64) (*models.Scrape, bool, error) {
	s, err := ps.scanScrape(ps.db.QueryRow(`
		SELECT scrape_id, site_id, run_id, started_at, ended_at, finish_ok,
		       error_type, error_msg, listings_found, listings_saved
		FROM scrapes WHERE scrape_id = $1
	`, scrapeID))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: get scrape: %w", err)
	}
	return s, true, nil
}

// LatestCompletedScrape implements ScrapeStore.
func (ps *PostgresStore) LatestCompletedScrape(siteID int64) (*models.Scrape, bool, error) {
	s, err := ps.scanScrape(ps.db.QueryRow(`
		SELECT scrape_id, site_id, run_id, started_at, ended_at, finish_ok,
		       error_type, error_msg, listings_found, listings_saved
		FROM scrapes
		WHERE site_id = $1 AND finish_ok = TRUE AND ended_at IS NOT NULL
		ORDER BY ended_at DESC
		LIMIT 1
	`, siteID))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: latest completed scrape: %w", err)
	}
	return s, true, nil
}

func (ps *PostgresStore) scanScrape(row *sql.Row) (*models.Scrape, error) {
	s := &models.Scrape{}
	var endedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.SiteID, &s.RunID, &s.StartedAt, &endedAt,
		&s.FinishOK, &s.ErrorType, &s.ErrorMsg,
		&s.ListingsFound, &s.ListingsSaved); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return s, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
