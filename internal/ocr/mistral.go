package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"

	// maxErrorBody caps how much of a failed response lands in the error.
	maxErrorBody = 512
)

// MistralOCR is the hosted OCR provider.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewMistralOCR creates a MistralOCR extractor. If model is empty, the default is used.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	return &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{},
	}
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// Name identifies the provider in job events.
func (m *MistralOCR) Name() string { return "mistral" }

// ExtractPages sends the PDF inline and returns one markdown string per
// page. Pages land at the index the service reports; a page it skipped
// comes back empty.
func (m *MistralOCR) ExtractPages(ctx context.Context, pdf []byte) ([]string, error) {
	req, err := m.newRequest(ctx, pdf)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out mistralOCRResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "ocr: unmarshal mistral response")
	}
	return placePages(out.Pages)
}

func (m *MistralOCR) newRequest(ctx context.Context, pdf []byte) (*http.Request, error) {
	body, err := json.Marshal(mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "ocr: marshal mistral request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	return req, nil
}

func placePages(pages []mistralOCRPage) ([]string, error) {
	n := 0
	for _, p := range pages {
		if p.Index < 0 {
			return nil, eris.Errorf("ocr: mistral returned page index %d", p.Index)
		}
		if p.Index >= n {
			n = p.Index + 1
		}
	}
	out := make([]string, n)
	for _, p := range pages {
		out[p.Index] = p.Markdown
	}
	return out, nil
}
