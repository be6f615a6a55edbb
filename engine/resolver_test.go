package engine

import (
	"errors"
	"sync"
	"testing"

	"carmarket-tracker/models"
	"carmarket-tracker/storage"
	"carmarket-tracker/utils"
)

func newTestResolver() (*VersionResolver, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewVersionResolver(store, utils.NewLogger(), utils.NewKeyedMutex()), store
}

func parsedCar(extID string) *models.ParsedListing {
	return &models.ParsedListing{
		ExternalID:  extID,
		URL:         "https://www.motormercado.example/autos/" + extID,
		Brand:       "toyota",
		Model:       "corolla",
		VersionName: "xei",
		Year:        2020,
		Price:       12500,
	}
}

func TestResolverCollapsesMissingOptionals(t *testing.T) {
	r, _ := newTestResolver()

	a := parsedCar("abc")
	b := parsedCar("xyz")

	idA, err := r.Resolve(a)
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	idB, err := r.Resolve(b)
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if idA != idB {
		t.Errorf("listings with identical attributes and missing displacement should share a version: %d vs %d", idA, idB)
	}

	displ := 1.6
	c := parsedCar("qrs")
	c.Displacement = &displ
	idC, err := r.Resolve(c)
	if err != nil {
		t.Fatalf("resolve c: %v", err)
	}
	if idC == idA {
		t.Error("listing with known displacement should get its own version")
	}
}

func TestResolverRequiredFields(t *testing.T) {
	r, _ := newTestResolver()

	tests := []struct {
		name   string
		mutate func(*models.ParsedListing)
	}{
		{"no brand", func(p *models.ParsedListing) { p.Brand = "" }},
		{"no model", func(p *models.ParsedListing) { p.Model = "" }},
		{"no version name", func(p *models.ParsedListing) { p.VersionName = "" }},
		{"no year", func(p *models.ParsedListing) { p.Year = 0 }},
	}

	for _, tt := range tests {
		p := parsedCar("abc")
		tt.mutate(p)
		_, err := r.Resolve(p)
		if !errors.Is(err, ErrResolution) {
			t.Errorf("%s: got %v, want ErrResolution", tt.name, err)
		}
	}
}

func TestResolverYearBounds(t *testing.T) {
	r, _ := newTestResolver()

	for _, year := range []int{1885, 2999} {
		p := parsedCar("abc")
		p.Year = year
		_, err := r.Resolve(p)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("year %d: got %v, want ErrValidation", year, err)
		}
	}

	p := parsedCar("abc")
	p.Year = 1886
	if _, err := r.Resolve(p); err != nil {
		t.Errorf("year at the floor should be accepted: %v", err)
	}
}

func TestResolverDetailFirstObservationWins(t *testing.T) {
	r, store := newTestResolver()

	first := parsedCar("abc")
	first.Detail = &models.VersionDetail{Horsepower: 140, Doors: 4, FuelType: "gasoline"}
	versionID, err := r.Resolve(first)
	if err != nil {
		t.Fatalf("resolve first: %v", err)
	}

	second := parsedCar("xyz")
	second.Detail = &models.VersionDetail{Horsepower: 90}
	if _, err := r.Resolve(second); err != nil {
		t.Fatalf("resolve second: %v", err)
	}

	detail, ok := store.VersionDetail(versionID)
	if !ok {
		t.Fatal("expected a detail row")
	}
	if detail.Horsepower != 140 || detail.Doors != 4 {
		t.Errorf("later partial detail must not overwrite the first: %+v", detail)
	}
}

func TestResolverNoDetailNeverBlocksVersion(t *testing.T) {
	r, store := newTestResolver()

	versionID, err := r.Resolve(parsedCar("abc"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := store.VersionDetail(versionID); ok {
		t.Error("no detail was observed, none should be stored")
	}
}

func TestResolverConcurrentSameNewVersion(t *testing.T) {
	r, _ := newTestResolver()

	const workers = 20
	ids := make([]int64, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Resolve(parsedCar("abc"))
			if err != nil {
				t.Errorf("concurrent resolve: %v", err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent resolution produced different versions: %d vs %d", ids[i], ids[0])
		}
	}
}
