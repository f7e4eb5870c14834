package client

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultIDConcurrency is the fan-out used by GetConcurrentlyFromIDs when
// maxConcurrency is not positive.
const DefaultIDConcurrency = 20

// IDPlaceholder is substituted with each id by GetConcurrentlyFromIDs.
const IDPlaceholder = "{id}"

// IDResult pairs an id with the resource fetched for it.
type IDResult[T any] struct {
	ID    int32
	Value T
}

// Get fetches a single resource and decodes it into T.
func Get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T

	resp, err := c.Do(ctx, path, nil)
	if err != nil {
		return out, err
	}

	if err := c.decode(ctx, path, resp.Body, &out); err != nil {
		return out, err
	}
	return out, nil
}

// GetList fetches a plain (non-paginated) JSON array.
func GetList[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	return Get[[]T](ctx, c, path)
}

// GetPaginated fetches every page of path and concatenates the items in
// page order.
func GetPaginated[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	pages, err := c.pages.FetchAll(ctx, path)
	if err != nil {
		return nil, err
	}

	var items []T
	for _, page := range pages {
		var pageItems []T
		if err := c.decode(ctx, path, page, &pageItems); err != nil {
			return nil, err
		}
		items = append(items, pageItems...)
	}

	c.logger.Debug().
		Str("path", path).
		Int("pages", len(pages)).
		Int("items", len(items)).
		Msg("Paginated fetch complete")

	return items, nil
}

// GetConcurrentlyFromIDs fetches pathTemplate once per id, with "{id}"
// replaced by the id, running at most maxConcurrency fetches at a time.
// Failed ids are logged and left out; result order is not defined.
func GetConcurrentlyFromIDs[T any](ctx context.Context, c *Client, pathTemplate string, ids []int32, maxConcurrency int) []IDResult[T] {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultIDConcurrency
	}

	var (
		mu      sync.Mutex
		results = make([]IDResult[T], 0, len(ids))
		failed  int
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrency)

	for _, id := range ids {
		g.Go(func() error {
			path := strings.ReplaceAll(pathTemplate, IDPlaceholder, strconv.FormatInt(int64(id), 10))

			value, err := Get[T](ctx, c, path)
			if err != nil {
				c.logger.Warn().
					Err(err).
					Int32("id", id).
					Str("path", path).
					Msg("Fetch by id failed, skipping")

				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			results = append(results, IDResult[T]{ID: id, Value: value})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug().
		Str("path", pathTemplate).
		Int("requested", len(ids)).
		Int("fetched", len(results)).
		Int("failed", failed).
		Msg("Concurrent fetch complete")

	return results
}

// decode unmarshals body into out. A body that does not decode counts as
// a terminal failure like any 4xx.
func (c *Client) decode(ctx context.Context, path string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		decodeErr := &ESIError{
			StatusCode: 200,
			ErrorClass: ErrorClassDecode,
			Path:       path,
			Message:    "decode response body",
			Err:        err,
		}
		c.recordFailure(ctx, path, decodeErr)
		return decodeErr
	}
	return nil
}
