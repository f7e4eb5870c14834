package pagination

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds page fetcher configuration.
type Config struct {
	// Concurrency is the number of pages (after page 1) fetched in parallel.
	// 1 crawls the pages strictly in order.
	Concurrency int

	// ProgressEvery logs a progress line every N fetched pages.
	ProgressEvery int
}

// DefaultConfig returns a sequential crawl.
func DefaultConfig() Config {
	return Config{
		Concurrency:   1,
		ProgressEvery: 50,
	}
}

// PageFetcher fetches a single page and reports the total page count
// advertised by the X-Pages header.
type PageFetcher interface {
	FetchPage(ctx context.Context, endpoint string, pageNum int) (data []byte, totalPages int, err error)
}

// Fetcher crawls every page of a paginated endpoint.
type Fetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewFetcher creates a new page fetcher.
func NewFetcher(fetcher PageFetcher, config Config, logger zerolog.Logger) *Fetcher {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 50
	}

	return &Fetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// FetchAll fetches page 1, then pages 2..total. The returned slice is
// ordered by page number. Any page failure fails the whole crawl.
func (f *Fetcher) FetchAll(ctx context.Context, endpoint string) ([][]byte, error) {
	start := time.Now()

	firstPage, totalPages, err := f.fetcher.FetchPage(ctx, endpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch page 1 of %s: %w", endpoint, err)
	}
	if totalPages < 1 {
		totalPages = 1
	}

	pages := make([][]byte, totalPages)
	pages[0] = firstPage

	if totalPages == 1 {
		f.logger.Debug().
			Str("endpoint", endpoint).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return pages, nil
	}

	f.logger.Debug().
		Str("endpoint", endpoint).
		Int("total_pages", totalPages).
		Int("concurrency", f.config.Concurrency).
		Msg("Fetching remaining pages")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.Concurrency)

	var fetched atomic.Int64
	fetched.Store(1)

	for page := 2; page <= totalPages; page++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			data, _, err := f.fetcher.FetchPage(gctx, endpoint, page)
			if err != nil {
				return fmt.Errorf("fetch page %d/%d of %s: %w", page, totalPages, endpoint, err)
			}
			// each goroutine owns its own index
			pages[page-1] = data

			if n := fetched.Add(1); n%int64(f.config.ProgressEvery) == 0 {
				f.logger.Info().
					Str("endpoint", endpoint).
					Int64("fetched", n).
					Int("total", totalPages).
					Msg("Fetch progress")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		f.logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int64("fetched_pages", fetched.Load()).
			Int("total_pages", totalPages).
			Msg("Page crawl failed")
		return nil, err
	}

	f.logger.Debug().
		Str("endpoint", endpoint).
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return pages, nil
}
