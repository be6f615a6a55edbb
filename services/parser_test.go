package services

import (
	"testing"
	"time"

	"carmarket-tracker/models"
	"carmarket-tracker/utils"
)

func newTestLogger() *utils.Logger { return utils.NewLogger() }

func TestParserParsePrice(t *testing.T) {
	p := NewParser(newTestLogger())

	tests := []struct {
		raw  string
		want float64
	}{
		{"$12,500", 12500},
		{"CLP 8.990.000", 8990000},
		{"", 0},
		{"consultar", 0},
		{"$1,200.50", 1200.50},
		{"USD 9900", 9900},
	}

	for _, tt := range tests {
		got := p.parsePrice(tt.raw)
		if got != tt.want {
			t.Errorf("parsePrice(%q) = %.2f; want %.2f", tt.raw, got, tt.want)
		}
	}
}

func TestParserParseYear(t *testing.T) {
	p := NewParser(newTestLogger())

	tests := []struct {
		raw  string
		want int
	}{
		{"2020", 2020},
		{"Año 2015", 2015},
		{"1998", 1998},
		{"", 0},
		{"N/A", 0},
	}

	for _, tt := range tests {
		got := p.parseYear(tt.raw)
		if got != tt.want {
			t.Errorf("parseYear(%q) = %d; want %d", tt.raw, got, tt.want)
		}
	}
}

func TestParserParseOdometer(t *testing.T) {
	p := NewParser(newTestLogger())

	tests := []struct {
		raw  string
		want int64
		nil_ bool
	}{
		{"45,000 km", 45000, false},
		{"45.000km", 45000, false},
		{"0 km", 0, false},
		{"", 0, true},
		{"sin datos", 0, true},
	}

	for _, tt := range tests {
		got := p.parseOdometer(tt.raw)
		if tt.nil_ {
			if got != nil {
				t.Errorf("parseOdometer(%q) = %d; want nil", tt.raw, *got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("parseOdometer(%q) = %v; want %d", tt.raw, got, tt.want)
		}
	}
}

func TestParserParseDisplacement(t *testing.T) {
	p := NewParser(newTestLogger())

	tests := []struct {
		raw  string
		want float64
		nil_ bool
	}{
		{"1.6L", 1.6, false},
		{"1.6 l", 1.6, false},
		{"1600cc", 1.6, false},
		{"", 0, true},
		{"eléctrico", 0, true},
	}

	for _, tt := range tests {
		got := p.parseDisplacement(tt.raw)
		if tt.nil_ {
			if got != nil {
				t.Errorf("parseDisplacement(%q) = %g; want nil", tt.raw, *got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("parseDisplacement(%q) = %v; want %g", tt.raw, got, tt.want)
		}
	}
}

func TestParseTransmission(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		nil_ bool
	}{
		{"Automática", "automatic", false},
		{"CVT", "automatic", false},
		{"Manual", "manual", false},
		{"Mecánica", "manual", false},
		{"", "", true},
		{"otro", "", true},
	}

	for _, tt := range tests {
		got := parseTransmission(tt.raw)
		if tt.nil_ {
			if got != nil {
				t.Errorf("parseTransmission(%q) = %q; want nil", tt.raw, *got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("parseTransmission(%q) = %v; want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParserDropsAdsWithoutIdentity(t *testing.T) {
	p := NewParser(newTestLogger())
	raw := []*models.RawCarAd{
		{Title: "No id", RawPrice: "$100", URL: "https://site/1", ScrapedAt: time.Now()},
		{ExternalID: "abc", Title: "OK", URL: "https://site/2", ScrapedAt: time.Now()},
	}

	parsed := p.Parse(raw)
	if len(parsed) != 1 {
		t.Errorf("expected 1 listing after dropping missing external id, got %d", len(parsed))
	}
}

func TestParserDeduplicatesExternalID(t *testing.T) {
	p := NewParser(newTestLogger())
	raw := []*models.RawCarAd{
		{ExternalID: "abc", Title: "A", URL: "https://site/1", ScrapedAt: time.Now()},
		{ExternalID: "abc", Title: "B", URL: "https://site/1", ScrapedAt: time.Now()},
	}

	parsed := p.Parse(raw)
	if len(parsed) != 1 {
		t.Errorf("expected 1 listing after deduplication, got %d", len(parsed))
	}
}

func TestParserNormalisesNames(t *testing.T) {
	p := NewParser(newTestLogger())
	raw := []*models.RawCarAd{
		{ExternalID: "abc", URL: "https://site/1", RawBrand: "  Toyota ", RawModel: "COROLLA", RawVersion: "XEi  1.6", ScrapedAt: time.Now()},
	}

	parsed := p.Parse(raw)
	if len(parsed) != 1 {
		t.Fatalf("expected 1 parsed listing, got %d", len(parsed))
	}
	if parsed[0].Brand != "toyota" || parsed[0].Model != "corolla" || parsed[0].VersionName != "xei 1.6" {
		t.Errorf("names not normalised: %+v", parsed[0])
	}
}
