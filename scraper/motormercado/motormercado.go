package motormercado

import (
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"carmarket-tracker/config"
	"carmarket-tracker/models"
	"carmarket-tracker/scraper"
	"carmarket-tracker/utils"
)

const siteName = "motormercado"

// Scraper fetches used-car result pages from MotorMercado, a plain
// server-rendered site that needs no browser, only HTTP.
type Scraper struct {
	cfg     *config.Config
	baseURL string
	logger  *utils.Logger
	retry   *utils.RetryConfig
	stats   *scraper.Stats
}

// New creates a ready-to-use MotorMercado scraper.
func New(cfg *config.Config, baseURL string, logger *utils.Logger) *Scraper {
	return &Scraper{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   time.Second,
			Logger:      logger,
		},
		stats: &scraper.Stats{},
	}
}

// Name implements scraper.Source.
func (s *Scraper) Name() string { return siteName }

// Stats returns the request counters for this run.
func (s *Scraper) Stats() *scraper.Stats { return s.stats }

// FetchPage implements scraper.Source. The cursor is the relative URL of the
// result page; an empty cursor means the first page.
func (s *Scraper) FetchPage(cursor string) (*scraper.Page, error) {
	pageURL := s.baseURL + "/autos/usados"
	if cursor != "" {
		pageURL = s.absolute(cursor)
	}

	var ads []*models.RawCarAd
	var next string

	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(30 * time.Second)

	c.OnHTML("article.car-ad", func(e *colly.HTMLElement) {
		var labels []string
		e.ForEach("span.ad-tag", func(_ int, tag *colly.HTMLElement) {
			if t := strings.TrimSpace(tag.Text); t != "" {
				labels = append(labels, t)
			}
		})

		ads = append(ads, &models.RawCarAd{
			Site:            siteName,
			ExternalID:      e.Attr("data-ad-id"),
			URL:             e.Request.AbsoluteURL(e.ChildAttr("a.ad-link", "href")),
			Title:           strings.TrimSpace(e.ChildText("h2.ad-title")),
			RawBrand:        strings.TrimSpace(e.ChildText("span.ad-brand")),
			RawModel:        strings.TrimSpace(e.ChildText("span.ad-model")),
			RawVersion:      strings.TrimSpace(e.ChildText("span.ad-version")),
			RawYear:         strings.TrimSpace(e.ChildText("span.ad-year")),
			RawPrice:        strings.TrimSpace(e.ChildText("span.ad-price")),
			RawOdometer:     strings.TrimSpace(e.ChildText("span.ad-km")),
			RawDisplacement: strings.TrimSpace(e.ChildText("span.ad-engine")),
			RawTransmission: strings.TrimSpace(e.ChildText("span.ad-gearbox")),
			City:            strings.TrimSpace(e.ChildText("span.ad-city")),
			ImageURL:        e.ChildAttr("img.ad-photo", "src"),
			RawLabels:       strings.Join(labels, "|"),
			ScrapedAt:       time.Now(),
		})
	})

	c.OnHTML("a.pagination-next", func(e *colly.HTMLElement) {
		next = e.Attr("href")
	})

	err := s.retry.Do(fmt.Sprintf("motormercado-fetch %s", pageURL), func() error {
		ads = ads[:0]
		next = ""
		return c.Visit(pageURL)
	})
	if err != nil {
		s.stats.RecordFailure()
		return nil, fmt.Errorf("motormercado: fetch %s: %w", pageURL, err)
	}
	s.stats.RecordSuccess()

	s.logger.Info("[motormercado] %s — extracted %d ads", pageURL, len(ads))
	return &scraper.Page{Ads: ads, Next: next}, nil
}

func (s *Scraper) absolute(ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	return s.baseURL + "/" + strings.TrimLeft(ref, "/")
}
