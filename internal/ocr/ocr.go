// Package ocr is the OCR-capable preprocessing tier for documents without a
// usable text layer.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/config"
)

// Extractor recovers per-page text from a PDF.
type Extractor interface {
	ExtractPages(ctx context.Context, pdf []byte) ([]string, error)
	Name() string
}

// NewExtractor creates an Extractor based on config. Provider "none" (the
// default) returns a nil Extractor: documents needing OCR stay flagged.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "local":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
