package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/pkg/anthropic"
	anthropicmocks "github.com/sells-group/evidence-pipeline/pkg/anthropic/mocks"
)

var opinionSchema = map[string]any{
	"type":     "object",
	"required": []any{"value", "confidence"},
	"properties": map[string]any{
		"value":      map[string]any{"type": []any{"string", "null"}, "enum": []any{"unqualified", "qualified", nil}},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	},
}

func testConfigs() (config.AnthropicConfig, config.CapabilityConfig) {
	return config.AnthropicConfig{
			FastModel:     "claude-haiku-4-5-20251001",
			BalancedModel: "claude-sonnet-4-5-20250929",
			AccurateModel: "claude-opus-4-6",
			MaxTokens:     1024,
		}, config.CapabilityConfig{
			RequestsPerSecond: 1000,
			Burst:             100,
			TimeoutSecs:       5,
			MaxAttempts:       3,
			InitialBackoffMs:  1,
			MaxBackoffMs:      2,
			BreakerFailures:   10,
			BreakerResetSecs:  1,
		}
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 50},
	}
}

func TestAnthropicExtractor_Extract(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-opus-4-6" && req.MaxTokens == 1024 &&
			len(req.System) == 1 && req.System[0].Cached &&
			strings.Contains(req.Messages[0].Content, "In our opinion")
	})).Return(textResponse("```json\n{\"value\": \"unqualified\", \"confidence\": 0.96}\n```"), nil).Once()

	resp, err := ex.Extract(context.Background(), Request{
		Task:         "opinion",
		Instructions: "Extract the auditor opinion.",
		Content:      "In our opinion, the controls operated effectively.",
		Schema:       opinionSchema,
		Tier:         model.TierAccurate,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"unqualified","confidence":0.96}`, string(resp.Output))
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 0.96, *resp.Confidence, 1e-9)
	assert.Equal(t, "claude-opus-4-6", resp.Model)
	assert.Greater(t, resp.CostUSD, 0.0)
	assert.Zero(t, resp.Retries)
}

func TestAnthropicExtractor_ExhaustiveDoublesBudget(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-opus-4-6" && req.MaxTokens == 2048
	})).Return(textResponse(`{"value": null, "confidence": 0.4}`), nil).Once()

	resp, err := ex.Extract(context.Background(), Request{Task: "opinion", Schema: opinionSchema, Tier: model.TierExhaustive})
	require.NoError(t, err)
	assert.Equal(t, model.TierExhaustive, resp.Tier)
}

func TestAnthropicExtractor_RetriesTransient(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	rateLimited := &anthropic.APIError{StatusCode: 429, Err: errors.New("rate_limit_error")}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, rateLimited).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"value":"qualified","confidence":0.8}`), nil).Once()

	resp, err := ex.Extract(context.Background(), Request{Task: "opinion", Schema: opinionSchema, Tier: model.TierFast})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Retries)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
}

func TestAnthropicExtractor_BudgetExhausted(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	overloaded := &anthropic.APIError{StatusCode: 529, Err: errors.New("overloaded")}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, overloaded).Times(3)

	_, err := ex.Extract(context.Background(), Request{Task: "opinion", Schema: opinionSchema, Tier: model.TierBalanced})
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrRetryBudgetExhausted)
	assert.Equal(t, resilience.KindTransient, resilience.Classify(err))
}

func TestAnthropicExtractor_NonTransientNotRetried(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	badRequest := &anthropic.APIError{StatusCode: 400, Err: errors.New("invalid_request_error")}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, badRequest).Once()

	_, err := ex.Extract(context.Background(), Request{Task: "opinion", Schema: opinionSchema, Tier: model.TierFast})
	require.Error(t, err)
	assert.Equal(t, 400, anthropic.StatusCode(err))
}

func TestAnthropicExtractor_MalformedOutput(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"value": "probably fine", "confidence": 0.9}`), nil).Once()

	resp, err := ex.Extract(context.Background(), Request{Task: "opinion", Schema: opinionSchema, Tier: model.TierFast})
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Equal(t, resilience.KindQuality, resilience.Classify(err))
	require.NotNil(t, resp, "usage is still reported for cost attribution")
	assert.Nil(t, resp.Output)
	assert.Greater(t, resp.CostUSD, 0.0)
}

func TestAnthropicExtractor_UnknownTier(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	_, err := ex.Extract(context.Background(), Request{Task: "x", Tier: model.Tier("ocr")})
	assert.ErrorContains(t, err, "no model configured")
}

func TestAnthropicExtractor_CancelledDuringBackoff(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	ac, cc := testConfigs()
	cc.InitialBackoffMs = int((time.Hour).Milliseconds())
	cc.MaxBackoffMs = cc.InitialBackoffMs
	ex := NewAnthropicExtractor(client, ac, cc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, &anthropic.APIError{StatusCode: 503, Err: errors.New("unavailable")}).Once()

	_, err := ex.Extract(ctx, Request{Task: "opinion", Schema: opinionSchema, Tier: model.TierFast})
	require.Error(t, err)
	assert.NotErrorIs(t, err, resilience.ErrRetryBudgetExhausted)
}

func TestCleanJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Here is the result: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanJSON(tt.in))
	}
}

func TestValidateJSON(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateJSON(opinionSchema, []byte(`{"value":null,"confidence":1}`)))
	assert.Error(t, ValidateJSON(opinionSchema, []byte(`{"value":"qualified"}`)))
	assert.Error(t, ValidateJSON(opinionSchema, []byte(`{"value":"qualified","confidence":1.5}`)))
	assert.Error(t, ValidateJSON(opinionSchema, []byte(`not json`)))
	assert.NoError(t, ValidateJSON(nil, []byte(`{"anything":true}`)))
}

func TestConfidenceHint(t *testing.T) {
	t.Parallel()

	c := confidenceHint([]byte(`{"confidence": 1.4}`))
	require.NotNil(t, c)
	assert.Equal(t, 1.0, *c)
	assert.Nil(t, confidenceHint([]byte(`{"fields":{}}`)))
}
