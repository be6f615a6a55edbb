package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"carmarket-tracker/models"
)

// CSVWriter exports snapshot rows to a CSV file as a flat dataset dump next
// to the relational store. It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)

	if err := w.Write([]string{
		"snapshot_id", "scrape_id", "car_id", "price", "labels", "observed_at",
	}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w}, nil
}

// WriteSnapshots appends snapshot rows to the CSV file.
func (c *CSVWriter) WriteSnapshots(snaps []*models.CarSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range snaps {
		row := []string{
			strconv.FormatInt(s.ID, 10),
			strconv.FormatInt(s.ScrapeID, 10),
			strconv.FormatInt(s.CarID, 10),
			strconv.FormatFloat(s.Price, 'f', 2, 64),
			strings.Join(s.Labels, "|"),
			s.ObservedAt.Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
