// Package pagination crawls ESI endpoints that split their result over
// several pages.
//
// ESI reports the page count in the X-Pages header of every page. The
// Fetcher reads page 1 to learn that count, then fetches the remaining
// pages, either strictly in order (the default) or with a bounded number
// of pages in flight.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(esiClient, pagination.DefaultConfig(), logger)
//	pages, err := fetcher.FetchAll(ctx, "/markets/10000002/orders/")
//
// Any failing page fails the crawl; partial results are never returned.
package pagination
