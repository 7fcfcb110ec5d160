package fetch

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/pulseboard/ingest/internal/config"
)

// Fetcher retrieves raw payloads for one source. It never mutates the
// checkpoint; it only reads the cursor to bound the fetch window. One
// Fetcher serves one source descriptor, and iteration is strictly
// sequential, so a source is never consumed concurrently.
type Fetcher struct {
	source config.SourceConfig
	client *Client
	logger *zap.Logger
}

// NewFetcher builds a Fetcher for the given source descriptor.
func NewFetcher(source config.SourceConfig, logger *zap.Logger) (*Fetcher, error) {
	auth, err := NewAuthenticator(source.Auth)
	if err != nil {
		return nil, err
	}
	client := NewClient(&ClientConfig{
		BaseURL:    source.Endpoint,
		Auth:       auth,
		Timeout:    source.Timeout,
		MaxRetries: source.MaxRetries,
		RateLimit:  source.RateLimit,
		RateBurst:  source.RateBurst,
	})
	return &Fetcher{
		source: source,
		client: client,
		logger: logger.Named("fetch").With(zap.String("source", source.ID)),
	}, nil
}

// NewFetcherWithClient builds a Fetcher around an existing client.
// Used by tests to inject a stub transport.
func NewFetcherWithClient(source config.SourceConfig, client *Client, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		source: source,
		client: client,
		logger: logger.Named("fetch").With(zap.String("source", source.ID)),
	}
}

// Fetch returns a lazy, finite sequence of raw payloads holding the
// source's data newer than cursor. An empty cursor fetches from the
// beginning. Errors surface through the iterator's Err method.
func (f *Fetcher) Fetch(ctx context.Context, cursor string) *PayloadIterator {
	extra := url.Values{}
	if cursor != "" {
		extra.Set("after", cursor)
	}

	var paginator Paginator
	if f.source.PageSize > 0 {
		paginator = NewPagePaginator("", f.source.PageSize, extra)
	} else {
		paginator = &SinglePage{Extra: extra}
	}

	return &PayloadIterator{
		ctx:       ctx,
		sourceID:  f.source.ID,
		client:    f.client,
		paginator: paginator,
		next:      paginator.FirstPage(),
		logger:    f.logger,
	}
}

// PayloadIterator streams pages from a source one fetch call at a
// time. Usage follows the Next/Value/Err pattern:
//
//	it := fetcher.Fetch(ctx, cursor)
//	defer it.Close()
//	for it.Next() {
//		payload := it.Value()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type PayloadIterator struct {
	ctx       context.Context
	sourceID  string
	client    *Client
	paginator Paginator
	logger    *zap.Logger

	next    *Request
	current *RawPayload
	pages   int
	done    bool
	err     error
}

// Next fetches the next page. It returns false when the walk is
// complete or a fetch call failed; check Err afterwards.
func (it *PayloadIterator) Next() bool {
	if it.done || it.err != nil || it.next == nil {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}

	resp, err := it.client.Do(it.ctx, it.next)
	if err != nil {
		it.err = err
		return false
	}

	payload := NewRawPayload(it.sourceID, resp.Body)
	it.pages++
	it.logger.Debug("fetched page",
		zap.Int("page", it.pages),
		zap.Int("bytes", len(resp.Body)),
		zap.String("fingerprint", payload.Fingerprint[:12]))

	nextReq, err := it.paginator.NextPage(resp)
	if err != nil {
		it.err = &PermanentError{Op: "paginate", Err: err}
		return false
	}
	it.next = nextReq
	it.done = nextReq == nil
	it.current = payload

	// An empty trailing page carries no records; end cleanly.
	if n, cntErr := elementCount(payload.Body); cntErr == nil && n == 0 {
		it.current = nil
		return false
	}
	return true
}

// Value returns the current payload. Only valid after Next() returned
// true.
func (it *PayloadIterator) Value() *RawPayload { return it.current }

// Err returns the first error encountered during iteration.
func (it *PayloadIterator) Err() error { return it.err }

// Pages returns how many pages were fetched so far.
func (it *PayloadIterator) Pages() int { return it.pages }

// Close releases the iterator. Further Next calls return false.
func (it *PayloadIterator) Close() error {
	it.done = true
	return nil
}
