package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/pkg/anthropic"
)

// --- Document source ---

type memSource map[string][]byte

func (m memSource) Fetch(_ context.Context, locator string) ([]byte, error) {
	b, ok := m[locator]
	if !ok {
		return nil, eris.Wrapf(fs.ErrNotExist, "memsource: %s", locator)
	}
	return b, nil
}

// --- Scripted extractor ---

// errMalformed makes a handler answer like a schema-violating response.
var errMalformed = capability.ErrMalformedOutput

type handler func(req capability.Request) (any, error)

// stubExtractor answers capability calls from per-task handlers and records
// every request it sees.
type stubExtractor struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []capability.Request
}

func newStubExtractor() *stubExtractor {
	return &stubExtractor{handlers: make(map[string]handler)}
}

func (s *stubExtractor) on(task string, h handler) *stubExtractor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[task] = h
	return s
}

func (s *stubExtractor) Extract(_ context.Context, req capability.Request) (*capability.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	h, ok := s.handlers[req.Task]
	s.mu.Unlock()
	if !ok {
		return nil, eris.Errorf("stub: no handler for %s", req.Task)
	}

	resp := &capability.Response{
		Model:   "stub-" + string(req.Tier),
		Tier:    req.Tier,
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 100},
		CostUSD: 0.001,
	}
	out, err := h(req)
	if err != nil {
		if eris.Is(err, capability.ErrMalformedOutput) {
			return resp, &resilience.QualityError{Err: eris.Wrap(err, req.Task)}
		}
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	resp.Output = b
	return resp, nil
}

func (s *stubExtractor) count(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Task == task {
			n++
		}
	}
	return n
}

func (s *stubExtractor) requests(task string) []capability.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capability.Request
	for _, c := range s.calls {
		if c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

// requestedFields lists the field names a FieldsOutputSchema asks for.
func requestedFields(schema map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	fields, _ := props["fields"].(map[string]any)
	names, _ := fields["properties"].(map[string]any)
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	return out
}

var tocLine = regexp.MustCompile(`(?m)^\[(\d+)\]`)

// chunkIndexes reads the chunk numbers out of a table of contents.
func chunkIndexes(toc string) []int {
	var out []int
	for _, m := range tocLine.FindAllStringSubmatch(toc, -1) {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}

var fieldPathLine = regexp.MustCompile(`(?m)^Field path: (.+)$`)

func escalatedPath(req capability.Request) string {
	m := fieldPathLine.FindStringSubmatch(req.Instructions)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func value(v string, conf float64) map[string]any {
	if v == "" {
		return map[string]any{"value": nil, "confidence": conf, "page": 1}
	}
	return map[string]any{"value": v, "confidence": conf, "page": 1}
}

// answerFields answers a scoped fields call from a name to value table.
func answerFields(values map[string]string, conf float64) handler {
	return func(req capability.Request) (any, error) {
		out := make(map[string]any)
		for _, name := range requestedFields(req.Schema) {
			out[name] = value(values[name], conf)
		}
		return map[string]any{"fields": out}, nil
	}
}

// answerLists answers list calls by entity type, read from the instructions.
func answerLists(items map[model.EntityType][]map[string]any) handler {
	return func(req capability.Request) (any, error) {
		for t, list := range items {
			if strings.HasPrefix(req.Instructions, fmt.Sprintf("List every %s ", t)) {
				return map[string]any{"items": list}, nil
			}
		}
		return map[string]any{"items": []any{}}, nil
	}
}

// answerEscalations answers single-field calls by path suffix.
func answerEscalations(bySuffix map[string]map[string]any) handler {
	return func(req capability.Request) (any, error) {
		path := escalatedPath(req)
		for suffix, a := range bySuffix {
			if strings.HasSuffix(path, suffix) {
				return a, nil
			}
		}
		return nil, eris.Errorf("stub: unexpected escalation of %q", path)
	}
}
