package controller

import (
	"bytes"
	"context"
	"embed"
	"html/template"

	"lifeline/internal/router"
)

//go:embed templates/offline.html
var templateFS embed.FS

var offlineTmpl = template.Must(template.ParseFS(templateFS, "templates/offline.html"))

type offlineView struct {
	Status     Status
	RetryAfter int
	Base       string
}

// RenderOffline renders the offline page with the current indicators.
func (c *Controller) RenderOffline(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := offlineTmpl.Execute(&buf, offlineView{
		Status:     c.Status(),
		RetryAfter: router.RetryAfterSeconds,
		Base:       Prefix,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
