package notion

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *MockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *MockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestMockClientSatisfiesInterface(t *testing.T) {
	t.Parallel()
	var _ Client = (*MockClient)(nil)
}

func TestNewClient(t *testing.T) {
	c := NewClient("test-token")
	nc, ok := c.(*throttled)
	assert.True(t, ok)
	assert.NotNil(t, nc.limiter)

	c = NewClient("test-token", WithRateLimit(0))
	assert.Nil(t, c.(*throttled).limiter)

	c = NewClient("test-token", WithRateLimit(10))
	assert.Equal(t, 10, c.(*throttled).limiter.Burst())
}

func TestClientThrottleHonoursContext(t *testing.T) {
	c := NewClient("test-token", WithRateLimit(0.001)).(*throttled)
	got, err := call(context.Background(), c, "noop", func() (int, error) { return 7, nil })
	assert.NoError(t, err)
	assert.Equal(t, 7, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.CreatePage(ctx, &notionapi.PageCreateRequest{})
	assert.ErrorContains(t, err, "notion: rate limit")
}

func TestCallPrefixesErrors(t *testing.T) {
	c := NewClient("test-token", WithRateLimit(0)).(*throttled)
	_, err := call(context.Background(), c, "update page p1", func() (*notionapi.Page, error) {
		return nil, assert.AnError
	})
	assert.ErrorContains(t, err, "notion: update page p1")
	assert.ErrorIs(t, err, assert.AnError)
}
