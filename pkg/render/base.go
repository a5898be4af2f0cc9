package render

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/models"
)

// Base returns the stored PDF of a document without annotations. It works
// without the web interface, e.g. when the tablet only has SSH enabled.
//
// Strokes are never drawn onto the PDF. Render still decodes each page's
// annotation file, but only to log how many annotated pages the result
// leaves out. Pages that do not decode count as unannotated.
type Base struct {
	t   client.Transport
	log *zap.Logger
}

// NewBase returns a renderer reading through t.
func NewBase(t client.Transport, log *zap.Logger) *Base {
	if log == nil {
		log = zap.NewNop()
	}
	return &Base{t: t, log: log}
}

func (b *Base) Render(ctx context.Context, doc *models.Entry) ([]byte, error) {
	if !doc.IsDocument() {
		return nil, fmt.Errorf("render %s: not a document", doc.UID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := b.t.Read(doc.UID + ".pdf")
	if err != nil {
		if client.IsNotFound(err) {
			return nil, fmt.Errorf("render %s: %w", doc.UID, ErrNoBaseDocument)
		}
		return nil, fmt.Errorf("render %s: %w", doc.UID, err)
	}

	pages, err := Annotations(b.t, doc, b.log)
	if err != nil {
		return nil, fmt.Errorf("read annotations of %s: %w", doc.UID, err)
	}
	annotated := 0
	for _, p := range pages {
		if !p.Empty() {
			annotated++
		}
	}
	if annotated > 0 {
		b.log.Info("annotations not included in base pdf",
			zap.String("doc", doc.UID), zap.Int("annotated_pages", annotated))
	}
	return data, nil
}
