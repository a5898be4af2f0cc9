package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/funkey/resync/pkg/models"
)

// DefaultWebURL is the device's USB web interface.
const DefaultWebURL = "http://10.11.99.1"

const webTimeout = 2 * time.Minute

// Web asks the device's web interface for the composited PDF. The device
// merges the base document with its annotations itself.
type Web struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

// NewWeb returns a renderer for the web interface at baseURL.
func NewWeb(baseURL string, log *zap.Logger) *Web {
	if baseURL == "" {
		baseURL = DefaultWebURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Web{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: webTimeout},
		log:    log,
	}
}

func (w *Web) Render(ctx context.Context, doc *models.Entry) ([]byte, error) {
	if !doc.IsDocument() {
		return nil, fmt.Errorf("render %s: not a document", doc.UID)
	}
	u := w.base + "/download/" + url.PathEscape(doc.UID) + "/pdf"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", doc.UID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: web interface returned %d", doc.UID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", doc.UID, err)
	}

	w.log.Debug("downloaded pdf",
		zap.String("doc", doc.UID),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)))
	return data, nil
}
