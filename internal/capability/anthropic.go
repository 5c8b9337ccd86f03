package capability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/cost"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/pkg/anthropic"
)

const systemPrompt = "You extract structured facts from compliance evidence such as audit reports and certificates. " +
	"Use only the supplied document text. Return a single JSON object matching the output schema. " +
	"Use null when a value is not present. Never guess."

// AnthropicExtractor implements Extractor on the Anthropic Messages API.
type AnthropicExtractor struct {
	client    anthropic.Client
	models    map[model.Tier]string
	maxTokens int64
	timeout   time.Duration
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	breakers  *resilience.Breakers
	costs     *cost.Calculator
}

// NewAnthropicExtractor wires the client with the configured tier models,
// rate limit, retry budget and circuit breakers.
func NewAnthropicExtractor(client anthropic.Client, ac config.AnthropicConfig, cc config.CapabilityConfig, costs *cost.Calculator) *AnthropicExtractor {
	retry, breaker := resilience.FromCapabilityConfig(cc)

	rps := cc.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cc.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := time.Duration(cc.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxTokens := ac.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if costs == nil {
		costs = cost.NewCalculator(cost.DefaultRates())
	}

	return &AnthropicExtractor{
		client: client,
		models: map[model.Tier]string{
			model.TierFast:       ac.FastModel,
			model.TierBalanced:   ac.BalancedModel,
			model.TierAccurate:   ac.AccurateModel,
			model.TierExhaustive: ac.AccurateModel,
		},
		maxTokens: maxTokens,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		retry:     retry,
		breakers:  resilience.NewBreakers(breaker),
		costs:     costs,
	}
}

// Extract runs one call. The HTTP request is detached from ctx cancellation
// so a billed call in flight finishes or times out on its own; ctx still
// bounds rate limiting and retry backoff.
func (e *AnthropicExtractor) Extract(ctx context.Context, req Request) (*Response, error) {
	modelID, ok := e.models[req.Tier]
	if !ok || modelID == "" {
		return nil, eris.Errorf("capability: no model configured for tier %q", req.Tier)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.maxTokens
	}
	if req.Tier == model.TierExhaustive {
		maxTokens *= 2
	}

	schema, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, eris.Wrap(err, "capability: marshal schema")
	}
	temp := 0.0
	msg := anthropic.MessageRequest{
		Model:     modelID,
		MaxTokens: maxTokens,
		System: []anthropic.SystemBlock{
			{Text: systemPrompt, Cached: true},
		},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: req.Instructions + "\n\nOutput JSON schema:\n" + string(schema) + "\n\nDocument text:\n" + req.Content,
		}},
		Temperature: &temp,
	}

	retries := 0
	rc := e.retry
	logRetry := resilience.RetryLogger("anthropic", req.Task)
	rc.OnRetry = func(attempt int, err error) {
		retries = attempt
		logRetry(attempt, err)
	}
	breaker := e.breakers.Get(string(req.Tier))

	resp, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "capability: rate limiter")
		}
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
			defer cancel()
			r, err := e.client.CreateMessage(callCtx, msg)
			if err != nil {
				if status := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(status) {
					return nil, resilience.NewTransientError(err, status)
				}
				return nil, err
			}
			return r, nil
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "capability: %s at %s", req.Task, req.Tier)
	}

	resp.Usage.LogCost(modelID, req.Task)
	out := &Response{
		Model:   modelID,
		Tier:    req.Tier,
		Usage:   resp.Usage,
		CostUSD: e.costs.Claude(modelID, resp.Usage),
		Retries: retries,
	}

	text := CleanJSON(resp.Text())
	if err := ValidateJSON(req.Schema, []byte(text)); err != nil {
		zap.L().Warn("capability: malformed output",
			zap.String("task", req.Task),
			zap.String("tier", string(req.Tier)),
			zap.Error(err),
		)
		return out, &resilience.QualityError{Err: eris.Wrapf(ErrMalformedOutput, "%s: %v", req.Task, err)}
	}
	out.Output = json.RawMessage(text)
	out.Confidence = confidenceHint(out.Output)
	return out, nil
}
