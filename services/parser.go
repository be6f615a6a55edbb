package services

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"carmarket-tracker/models"
	"carmarket-tracker/utils"
)

var (
	// priceRegexp captures numeric price values
	priceRegexp = regexp.MustCompile(`[\d,]+(?:\.\d+)?`)
	// yearRegexp captures a plausible 4-digit production year
	yearRegexp = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	// odometerRegexp captures the numeric part of "45.000 km" / "45,000km"
	odometerRegexp = regexp.MustCompile(`[\d.,]+`)
	// displacementRegexp captures "1.6L", "1.6 l" or "1600cc" style values
	displacementRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(l|cc)\b`)
)

// Parser transforms RawCarAds into validated ParsedListings ready for the
// ingestion engine. Ads missing their identity fields are dropped and logged,
// never half-ingested.
type Parser struct {
	logger *utils.Logger
}

// NewParser creates a Parser with the given logger.
func NewParser(logger *utils.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse processes raw ads and returns parsed listings. Duplicate external ids
// within one batch are dropped here so the engine sees each ad once per run.
func (p *Parser) Parse(raw []*models.RawCarAd) []*models.ParsedListing {
	seen := make(map[string]struct{})
	result := make([]*models.ParsedListing, 0, len(raw))

	for _, r := range raw {
		extID := strings.TrimSpace(r.ExternalID)
		if extID == "" || strings.TrimSpace(r.URL) == "" {
			p.logger.Warn("[parser] Dropping ad without identity: %q", r.Title)
			continue
		}
		if _, dup := seen[extID]; dup {
			p.logger.Debug("[parser] Duplicate external id skipped: %s", extID)
			continue
		}
		seen[extID] = struct{}{}

		listing := &models.ParsedListing{
			ExternalID:   extID,
			URL:          strings.TrimSpace(r.URL),
			Brand:        normaliseName(r.RawBrand),
			Model:        normaliseName(r.RawModel),
			VersionName:  normaliseName(r.RawVersion),
			Year:         p.parseYear(r.RawYear),
			Displacement: p.parseDisplacement(r.RawDisplacement),
			Transmission: parseTransmission(r.RawTransmission),
			Price:        p.parsePrice(r.RawPrice),
			Labels:       splitLabels(r.RawLabels),
			City:         optionalText(r.City),
			ImageRef:     optionalText(r.ImageURL),
			Odometer:     p.parseOdometer(r.RawOdometer),
		}

		result = append(result, listing)
	}

	p.logger.Info("[parser] Parsed %d → %d listings (dropped %d)",
		len(raw), len(result), len(raw)-len(result))
	return result
}

// parsePrice extracts the first numeric value from a raw price string.
// Examples:
//   "$12,500" → 12500
//   "CLP 8.990.000" → 8990000 (dot-grouped prices have more than one dot)
func (p *Parser) parsePrice(raw string) float64 {
	cleaned := strings.ReplaceAll(strings.ToLower(raw), ",", "")
	if strings.Count(cleaned, ".") > 1 {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}
	match := priceRegexp.FindString(cleaned)
	if match == "" {
		return 0
	}
	price, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return price
}

// parseYear extracts a 4-digit year; 0 means unparseable, which the engine
// rejects downstream rather than guessing.
func (p *Parser) parseYear(raw string) int {
	match := yearRegexp.FindString(raw)
	if match == "" {
		return 0
	}
	year, _ := strconv.Atoi(match)
	return year
}

// parseOdometer extracts kilometers from strings like "45,000 km".
// Returns nil when absent; never coerces garbage to zero, since zero is a
// meaningful odometer reading.
func (p *Parser) parseOdometer(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	cleaned := strings.NewReplacer(",", "", ".", "").Replace(raw)
	match := odometerRegexp.FindString(cleaned)
	if match == "" {
		return nil
	}
	km, err := strconv.ParseInt(match, 10, 64)
	if err != nil {
		return nil
	}
	return &km
}

// parseDisplacement normalizes "1.6L" and "1600cc" to liters.
func (p *Parser) parseDisplacement(raw string) *float64 {
	match := displacementRegexp.FindStringSubmatch(strings.ToLower(raw))
	if len(match) < 3 {
		return nil
	}
	val, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return nil
	}
	if match[2] == "cc" {
		val = val / 1000
	}
	return &val
}

// parseTransmission maps free-text gearbox descriptions onto two canonical
// values. Anything unrecognized stays nil so identical unknowns collapse onto
// one version downstream.
func parseTransmission(raw string) *string {
	s := strings.ToLower(strings.TrimSpace(raw))
	var out string
	switch {
	case s == "":
		return nil
	case strings.Contains(s, "auto"), strings.Contains(s, "cvt"), strings.Contains(s, "dsg"):
		out = "automatic"
	case strings.Contains(s, "man"), strings.Contains(s, "mec"):
		out = "manual"
	default:
		return nil
	}
	return &out
}

func splitLabels(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var labels []string
	for _, l := range strings.Split(raw, "|") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func optionalText(s string) *string {
	s = normaliseText(s)
	if s == "" {
		return nil
	}
	return &s
}

// normaliseName lowercases and collapses whitespace so "Toyota " and
// "toyota" produce one taxonomy row.
func normaliseName(s string) string {
	return strings.ToLower(normaliseText(s))
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
