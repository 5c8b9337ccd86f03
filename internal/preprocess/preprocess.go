// Package preprocess turns a raw evidence document into ordered, addressable
// chunks with page and offset metadata.
package preprocess

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/ocr"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
)

// Strategy is the extraction strategy hint derived from document size.
type Strategy string

const (
	StrategySinglePass Strategy = "single_pass"
	StrategyTwoPass    Strategy = "two_pass"
	StrategyChunked    Strategy = "chunked"
)

const (
	singlePassMaxPages = 80
	twoPassMaxPages    = 150
)

// StrategyForPages picks the strategy for a page count.
func StrategyForPages(pages int) Strategy {
	switch {
	case pages <= singlePassMaxPages:
		return StrategySinglePass
	case pages <= twoPassMaxPages:
		return StrategyTwoPass
	}
	return StrategyChunked
}

// Document is the raw input.
type Document struct {
	Name     string
	MIME     string
	Content  []byte
	TypeHint string
}

// Chunk is one addressable slice of document text.
type Chunk struct {
	Index   int    `json:"index"`
	Page    int    `json:"page"`
	EndPage int    `json:"end_page"`
	Offset  int    `json:"offset"`
	Section string `json:"section,omitempty"`
	// Headers lists every header that starts inside the chunk.
	Headers []string `json:"headers,omitempty"`
	Text    string   `json:"text"`
}

// Location returns the chunk's source location.
func (c Chunk) Location() model.Location {
	return model.Location{Page: c.Page, Offset: c.Offset, Section: c.Section, Chunk: c.Index}
}

// Result is the preprocessed document.
type Result struct {
	Pages       int       `json:"pages"`
	Chunks      []Chunk   `json:"chunks"`
	Guess       TypeGuess `json:"guess"`
	RequiresOCR bool      `json:"requires_ocr"`
	OCRApplied  bool      `json:"ocr_applied"`
	OCRProvider string    `json:"ocr_provider,omitempty"`
	Strategy    Strategy  `json:"strategy"`
	TextChars   int       `json:"text_chars"`
}

// Text joins the text of the chunks at the given indexes in order.
func (r *Result) Text(indexes []int) string {
	var b strings.Builder
	for _, i := range indexes {
		if i < 0 || i >= len(r.Chunks) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(r.Chunks[i].Text)
	}
	return b.String()
}

// Preprocessor splits documents into chunks.
type Preprocessor struct {
	maxChunk int
	minText  int
	ocr      ocr.Extractor
}

// New creates a Preprocessor. ocrx may be nil when no OCR tier is configured.
func New(cfg config.PreprocessConfig, ocrx ocr.Extractor) *Preprocessor {
	maxChunk := cfg.MaxChunkChars
	if maxChunk <= 0 {
		maxChunk = 12000
	}
	minText := cfg.MinTextChars
	if minText <= 0 {
		minText = 200
	}
	return &Preprocessor{maxChunk: maxChunk, minText: minText, ocr: ocrx}
}

// OCRAvailable reports whether an OCR tier is configured.
func (p *Preprocessor) OCRAvailable() bool { return p.ocr != nil }

// Process extracts the text layer, chunks it and guesses the document type.
// A document without a usable text layer is returned flagged RequiresOCR
// unless the OCR tier recovers it; only content that cannot be decoded at
// all is an error.
func (p *Preprocessor) Process(ctx context.Context, doc Document) (*Result, error) {
	isPDF := bytes.HasPrefix(bytes.TrimLeft(doc.Content, " \t\r\n"), []byte("%PDF-")) || doc.MIME == "application/pdf"

	var (
		pages  []string
		pdfErr error
	)
	if isPDF {
		pages, pdfErr = pdfPages(doc.Content)
		if pdfErr != nil {
			zap.L().Warn("preprocess: pdf text layer unreadable",
				zap.String("document", doc.Name), zap.Error(pdfErr))
		}
	} else {
		if !utf8.Valid(doc.Content) {
			return nil, resilience.NewStructuralError(model.ReasonUndecodableDocument,
				eris.Errorf("preprocess: %s is neither PDF nor UTF-8 text", doc.Name))
		}
		pages = strings.Split(string(doc.Content), "\f")
	}

	// The minimum applies to PDFs, where a thin text layer means a scan. A
	// short text file is simply short; only an empty one needs OCR.
	res := &Result{}
	if isPDF {
		res.RequiresOCR = textChars(pages) < p.minText
	} else {
		res.RequiresOCR = textChars(pages) == 0
	}

	if res.RequiresOCR && isPDF && p.ocr != nil {
		ocrPages, err := p.ocr.ExtractPages(ctx, doc.Content)
		if err != nil {
			return nil, eris.Wrapf(err, "preprocess: ocr %s", doc.Name)
		}
		res.OCRApplied = true
		res.OCRProvider = p.ocr.Name()
		pages = ocrPages
		res.RequiresOCR = textChars(pages) < p.minText
	}

	for i := range pages {
		pages[i] = sanitize(pages[i])
	}
	res.Pages = len(pages)
	res.TextChars = textChars(pages)
	res.Chunks = Chunks(pages, p.maxChunk)
	res.Strategy = StrategyForPages(res.Pages)
	res.Guess = GuessType(pages, doc.TypeHint)

	zap.L().Debug("preprocess: document chunked",
		zap.String("document", doc.Name),
		zap.Int("pages", res.Pages),
		zap.Int("chunks", len(res.Chunks)),
		zap.Bool("requires_ocr", res.RequiresOCR),
		zap.String("guess", res.Guess.Type),
	)
	return res, nil
}

func pdfPages(content []byte) (pages []string, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, eris.Errorf("preprocess: pdf parser panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, eris.Wrap(err, "preprocess: open pdf")
	}
	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, eris.Wrapf(err, "preprocess: page %d text", i)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func textChars(pages []string) int {
	n := 0
	for _, p := range pages {
		n += len(strings.TrimSpace(p))
	}
	return n
}

// sanitize drops NUL bytes and other non-printing controls except common
// whitespace.
func sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\t' {
			b.WriteRune(ch)
			continue
		}
		if ch == '\r' || ch < 0x20 || ch == utf8.RuneError {
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
