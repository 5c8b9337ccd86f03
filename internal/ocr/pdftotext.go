package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// Name identifies the provider in job events.
func (p *PdfToText) Name() string { return "pdftotext" }

// ExtractPages spools the PDF to a temp file and runs pdftotext -layout.
// pdftotext separates pages with form feeds.
func (p *PdfToText) ExtractPages(ctx context.Context, pdf []byte) ([]string, error) {
	tmp, err := os.CreateTemp("", "evidence-*.pdf")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(pdf); err != nil {
		tmp.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "ocr: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrap(err, "ocr: close temp file")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", tmp.Name(), "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String())
	}
	return splitPages(stdout.String()), nil
}

func splitPages(text string) []string {
	pages := strings.Split(text, "\f")
	// pdftotext terminates the last page with a form feed too.
	if n := len(pages); n > 1 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	return pages
}
