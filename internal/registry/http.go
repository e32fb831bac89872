package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/node-selector/internal/selection"
)

const maxDocumentBytes = 4 << 20

var errEmptyDocument = errors.New("registry document has no current_version")

// HTTP reads the registry Document from a URL. A fetched document is reused
// for RefreshInterval; failed fetches are retried with exponential backoff.
type HTTP struct {
	url     string
	client  *http.Client
	refresh time.Duration
	retries uint
	clock   clock.Clock
	logger  *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	doc       *Document
	fetchedAt time.Time
}

type HTTPOptions struct {
	Client          *http.Client
	RefreshInterval time.Duration
	MaxRetries      uint
	Clock           clock.Clock
	Logger          *slog.Logger
}

func NewHTTP(url string, opts HTTPOptions) *HTTP {
	h := &HTTP{
		url:     url,
		client:  opts.Client,
		refresh: opts.RefreshInterval,
		retries: opts.MaxRetries,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: 10 * time.Second}
	}
	if h.refresh <= 0 {
		h.refresh = 30 * time.Second
	}
	if h.retries == 0 {
		h.retries = 3
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *HTTP) Candidates(ctx context.Context) ([]selection.Candidate, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return nil, err
	}
	return doc.candidates(), nil
}

func (h *HTTP) CurrentVersion(ctx context.Context) (string, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return "", err
	}
	return doc.CurrentVersion, nil
}

func (h *HTTP) VersionCount(ctx context.Context) (int, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return 0, err
	}
	return len(doc.Versions), nil
}

func (h *HTTP) Version(ctx context.Context, index int) (string, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return "", err
	}
	return doc.version(index)
}

// Invalidate forces the next call to fetch the document again.
func (h *HTTP) Invalidate() {
	h.mu.Lock()
	h.doc = nil
	h.mu.Unlock()
}

func (h *HTTP) document(ctx context.Context) (*Document, error) {
	h.mu.Lock()
	if h.doc != nil && h.clock.Since(h.fetchedAt) < h.refresh {
		doc := h.doc
		h.mu.Unlock()
		return doc, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do("document", func() (any, error) {
		doc, err := h.fetchWithRetry(ctx)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		h.doc = doc
		h.fetchedAt = h.clock.Now()
		h.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (h *HTTP) fetchWithRetry(ctx context.Context) (*Document, error) {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 200 * time.Millisecond
	expback.MaxInterval = 5 * time.Second

	doc, err := backoff.Retry(ctx, func() (*Document, error) {
		return h.fetch(ctx)
	},
		backoff.WithBackOff(expback),
		backoff.WithMaxTries(h.retries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			h.logger.Warn("registry fetch failed, retrying",
				slog.String("url", h.url),
				slog.Duration("wait", wait),
				slog.Any("err", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch registry document %s: %w", h.url, err)
	}
	return doc, nil
}

func (h *HTTP) fetch(ctx context.Context) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxDocumentBytes))
		err := fmt.Errorf("unexpected status %s", res.Status)
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(res.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode: %w", err))
	}
	if doc.CurrentVersion == "" {
		return nil, backoff.Permanent(errEmptyDocument)
	}

	return &doc, nil
}
