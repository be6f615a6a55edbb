package autoplaza

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"

	"carmarket-tracker/config"
	"carmarket-tracker/models"
	"carmarket-tracker/scraper"
	"carmarket-tracker/utils"
)

const siteName = "autoplaza"

// Scraper fetches used-car result pages from Autoplaza, a browser-rendered
// site that needs a headless Chrome to produce its DOM.
type Scraper struct {
	cfg     *config.Config
	baseURL string
	logger  *utils.Logger
	retry   *utils.RetryConfig
	stats   *scraper.Stats
}

// New creates a ready-to-use Autoplaza scraper.
func New(cfg *config.Config, baseURL string, logger *utils.Logger) *Scraper {
	return &Scraper{
		cfg:     cfg,
		baseURL: baseURL,
		logger:  logger,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
		stats: &scraper.Stats{},
	}
}

// Name implements scraper.Source.
func (s *Scraper) Name() string { return siteName }

// Stats returns the request counters for this run.
func (s *Scraper) Stats() *scraper.Stats { return s.stats }

// FetchPage implements scraper.Source. The cursor is the page number; an
// empty cursor means page 1.
func (s *Scraper) FetchPage(cursor string) (*scraper.Page, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("autoplaza: bad cursor %q: %w", cursor, err)
		}
		pageNum = n
	}
	pageURL := fmt.Sprintf("%s/usados?page=%d", s.baseURL, pageNum)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if bin := findChromeBinary(s.cfg.ChromeBin); bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	silentCtx, cancelSilent := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelSilent()

	ads, hasNext, err := s.scrapePage(silentCtx, pageURL, pageNum)
	if err != nil {
		s.stats.RecordFailure()
		return nil, err
	}
	s.stats.RecordSuccess()

	page := &scraper.Page{Ads: ads}
	if hasNext && len(ads) > 0 {
		page.Next = strconv.Itoa(pageNum + 1)
	}
	return page, nil
}

type cardData struct {
	ExternalID   string `json:"externalId"`
	Title        string `json:"title"`
	Brand        string `json:"brand"`
	Model        string `json:"model"`
	Version      string `json:"version"`
	Year         string `json:"year"`
	Price        string `json:"price"`
	Odometer     string `json:"odometer"`
	Transmission string `json:"transmission"`
	City         string `json:"city"`
	URL          string `json:"url"`
	Image        string `json:"image"`
	Labels       string `json:"labels"`
	HasNext      bool   `json:"hasNext"`
}

func (s *Scraper) scrapePage(allocCtx context.Context, pageURL string, pageNum int) ([]*models.RawCarAd, bool, error) {
	var cards []cardData

	err := s.retry.Do(fmt.Sprintf("autoplaza-page-%d", pageNum), func() error {
		ctx, cancel := chromedp.NewContext(allocCtx)
		defer cancel()

		ctx, cancelTimeout := context.WithTimeout(ctx, 90*time.Second)
		defer cancelTimeout()

		return chromedp.Run(ctx,
			chromedp.Navigate(pageURL),
			chromedp.Sleep(4*time.Second),
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(2*time.Second),
			chromedp.Evaluate(`
				(function() {
					var results = [];
					var cards = document.querySelectorAll('article[data-ad-id], div[data-testid="ad-card"]');
					var hasNext = !!document.querySelector('a[rel="next"], a[aria-label="Siguiente"]');

					for (var i = 0; i < cards.length; i++) {
						var card = cards[i];
						var link = card.querySelector('a[href*="/usados/"]') || card.querySelector('a');
						var img = card.querySelector('img');

						function text(sel) {
							var el = card.querySelector(sel);
							return el ? el.innerText.trim() : '';
						}

						var tags = [];
						card.querySelectorAll('.ad-tag, [data-testid="ad-label"]').forEach(function(t) {
							if (t.innerText) tags.push(t.innerText.trim());
						});

						results.push({
							externalId:   card.getAttribute('data-ad-id') || '',
							title:        text('h2, [data-testid="ad-title"]'),
							brand:        text('[data-testid="ad-brand"]'),
							model:        text('[data-testid="ad-model"]'),
							version:      text('[data-testid="ad-version"]'),
							year:         text('[data-testid="ad-year"]'),
							price:        text('.price, [data-testid="ad-price"]'),
							odometer:     text('[data-testid="ad-km"]'),
							transmission: text('[data-testid="ad-transmission"]'),
							city:         text('[data-testid="ad-city"]'),
							url:          link ? link.href : '',
							image:        img ? img.src : '',
							labels:       tags.join('|'),
							hasNext:      hasNext
						});
					}
					return results;
				})()
			`, &cards),
		)
	})
	if err != nil {
		return nil, false, fmt.Errorf("autoplaza: page %d: %w", pageNum, err)
	}

	ads := make([]*models.RawCarAd, 0, len(cards))
	hasNext := false
	now := time.Now()
	for _, c := range cards {
		if c.HasNext {
			hasNext = true
		}
		ads = append(ads, &models.RawCarAd{
			Site:            siteName,
			ExternalID:      c.ExternalID,
			URL:             c.URL,
			Title:           c.Title,
			RawBrand:        c.Brand,
			RawModel:        c.Model,
			RawVersion:      c.Version,
			RawYear:         c.Year,
			RawPrice:        c.Price,
			RawOdometer:     c.Odometer,
			RawTransmission: c.Transmission,
			City:            c.City,
			ImageURL:        c.Image,
			RawLabels:       c.Labels,
			ScrapedAt:       now,
		})
	}

	s.logger.Info("[autoplaza] Page %d — extracted %d ads", pageNum, len(ads))
	return ads, hasNext, nil
}

// findChromeBinary prefers the configured binary, then falls back to the
// usual names on PATH.
func findChromeBinary(configured string) string {
	if configured != "" {
		return configured
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
