// Package render turns device documents into PDF bytes.
package render

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/lines"
	"github.com/funkey/resync/pkg/models"
)

// ErrNoBaseDocument is returned for documents without a stored PDF, such as
// notebooks.
var ErrNoBaseDocument = errors.New("document has no base pdf")

// Renderer produces the PDF shown for a document.
type Renderer interface {
	Render(ctx context.Context, doc *models.Entry) ([]byte, error)
}

// Chain tries each renderer in turn and returns the first result.
type Chain []Renderer

func (c Chain) Render(ctx context.Context, doc *models.Entry) ([]byte, error) {
	var errs []error
	for _, r := range c {
		data, err := r.Render(ctx, doc)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("render %s: no renderer configured", doc.UID)
	}
	return nil, errors.Join(errs...)
}

// ReadPage reads and decodes the annotations of one page. A page without an
// annotation file yields an empty document.
func ReadPage(t client.Transport, docUID, pageUID string) (*lines.Document, error) {
	data, err := t.Read(path.Join(docUID, pageUID+".rm"))
	if err != nil {
		if client.IsNotFound(err) {
			return lines.Decode(nil)
		}
		return nil, err
	}
	return lines.Decode(data)
}

// Annotations decodes every page of doc. Pages that fail to decode are
// logged and returned as empty documents so one bad page never fails the
// whole document.
func Annotations(t client.Transport, doc *models.Entry, log *zap.Logger) ([]*lines.Document, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pages := doc.Pages()
	out := make([]*lines.Document, 0, len(pages))
	for i, page := range pages {
		d, err := ReadPage(t, doc.UID, page)
		switch {
		case err == nil:
		case errors.Is(err, lines.ErrInvalidFormat), errors.Is(err, lines.ErrUnsupportedVersion):
			log.Warn("ignoring annotations",
				zap.String("doc", doc.UID), zap.Int("page", i), zap.Error(err))
			d, _ = lines.Decode(nil)
		default:
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
