// Package fetcher resolves document locators to content. Locators are
// local paths, file:// URLs, http(s):// URLs or ftp:// URLs.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
)

// Fetcher downloads a remote document.
type Fetcher interface {
	// Download fetches the URL and returns the response body. A document
	// the server reports missing wraps fs.ErrNotExist.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Options configures a Source.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// SpoolDir holds uploaded documents that arrive without a locator.
	SpoolDir string
}

// FromConfig converts the fetch config section into Options.
func FromConfig(c config.FetchConfig) Options {
	return Options{
		Timeout:  time.Duration(c.TimeoutSecs) * time.Second,
		MaxBytes: c.MaxBytes,
		SpoolDir: c.SpoolDir,
	}
}

// Source reads documents by locator.
type Source struct {
	http     Fetcher
	ftp      Fetcher
	maxBytes int64
	spool    string
}

// New creates a Source backed by the HTTP and FTP fetchers.
func New(opts Options) *Source {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "evidence-pipeline/1.0"
	}
	return &Source{
		http:     NewHTTPFetcher(HTTPOptions{UserAgent: opts.UserAgent, Timeout: opts.Timeout}),
		ftp:      NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}),
		maxBytes: opts.MaxBytes,
		spool:    opts.SpoolDir,
	}
}

// Validate rejects locators no fetcher can serve.
func Validate(locator string) error {
	if strings.TrimSpace(locator) == "" {
		return eris.New("fetcher: empty locator")
	}
	u, err := url.Parse(locator)
	if err != nil {
		return eris.Wrapf(err, "fetcher: parse locator %q", locator)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "file", "http", "https", "ftp":
		return nil
	}
	// Windows drive letters parse as a one-letter scheme.
	if len(u.Scheme) == 1 {
		return nil
	}
	return eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
}

// Fetch returns the full content of the document at locator. Missing
// documents wrap fs.ErrNotExist. Documents over the size limit and
// unsupported schemes fail permanently.
func (s *Source) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := Validate(locator); err != nil {
		return nil, resilience.NewStructuralError(model.ReasonUndecodableDocument, err)
	}
	u, _ := url.Parse(locator)

	var (
		rc  io.ReadCloser
		err error
	)
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		rc, err = s.http.Download(ctx, locator)
	case "ftp":
		rc, err = s.ftp.Download(ctx, locator)
	default:
		rc, err = os.Open(localPath(u, locator))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", locator)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(rc, s.maxBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", locator)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, resilience.NewStructuralError(model.ReasonUndecodableDocument,
			eris.Errorf("fetcher: %s exceeds %d bytes", locator, s.maxBytes))
	}
	zap.L().Debug("fetcher: document read",
		zap.String("locator", locator),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

func localPath(u *url.URL, locator string) string {
	if strings.EqualFold(u.Scheme, "file") {
		if u.Host != "" && u.Host != "localhost" {
			return "//" + u.Host + u.Path
		}
		return u.Path
	}
	return locator
}

// Spool stores uploaded content under the spool directory and returns a
// file:// locator for it.
func (s *Source) Spool(name string, content []byte) (string, error) {
	if s.spool == "" {
		return "", eris.New("fetcher: no spool directory configured")
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return "", eris.New("fetcher: empty upload")
	}
	if int64(len(content)) > s.maxBytes {
		return "", eris.Errorf("fetcher: upload exceeds %d bytes", s.maxBytes)
	}
	if err := os.MkdirAll(s.spool, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create spool dir")
	}

	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "document"
	}
	path, err := filepath.Abs(filepath.Join(s.spool, uuid.NewString()+"-"+base))
	if err != nil {
		return "", eris.Wrap(err, "fetcher: resolve spool path")
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", eris.Wrap(err, "fetcher: write spool file")
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// notFound marks err as a missing document.
func notFound(locator string) error {
	return eris.Wrapf(fs.ErrNotExist, "fetcher: %s", locator)
}
