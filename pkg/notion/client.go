// Package notion wraps the Notion API calls the review queue sync needs:
// database queries and page creation and updates.
package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Notion allows an average of three requests per second per integration.
const defaultRPS = 3

// Client is the subset of the Notion API used by this application.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures the Notion client.
type ClientOption func(*throttled)

// WithRateLimit replaces the default request rate. A non-positive rps
// disables throttling.
func WithRateLimit(rps float64) ClientOption {
	return func(t *throttled) { t.limiter = newLimiter(rps) }
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
}

type throttled struct {
	api     *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a throttled Notion client for an integration token.
func NewClient(token string, opts ...ClientOption) Client {
	t := &throttled{
		api:     notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(defaultRPS, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// call waits for a request slot, runs fn and prefixes any error with what.
func call[T any](ctx context.Context, t *throttled, what string, fn func() (T, error)) (T, error) {
	var zero T
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return zero, eris.Wrap(err, "notion: rate limit")
		}
	}
	v, err := fn()
	if err != nil {
		return zero, eris.Wrap(err, "notion: "+what)
	}
	return v, nil
}

func (t *throttled) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return call(ctx, t, "query database "+dbID, func() (*notionapi.DatabaseQueryResponse, error) {
		return t.api.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	})
}

func (t *throttled) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	return call(ctx, t, "create page", func() (*notionapi.Page, error) {
		return t.api.Page.Create(ctx, req)
	})
}

func (t *throttled) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	return call(ctx, t, "update page "+pageID, func() (*notionapi.Page, error) {
		return t.api.Page.Update(ctx, notionapi.PageID(pageID), req)
	})
}
