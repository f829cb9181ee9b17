package handlers

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/ardanlabs/txrelay/foundation/web"
)

//go:embed index.html
var indexHTML string

type index struct {
	page []byte
}

// newIndex renders the page once with the node the browser should stream
// the events from.
func newIndex(nodeHost string) (index, error) {
	tmpl, err := template.New("index").Parse(indexHTML)
	if err != nil {
		return index{}, fmt.Errorf("parse index template: %w", err)
	}

	var b bytes.Buffer
	if err := tmpl.Execute(&b, struct{ Node string }{nodeHost}); err != nil {
		return index{}, fmt.Errorf("execute index template: %w", err)
	}

	return index{page: b.Bytes()}, nil
}

func (ig index) handler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := web.SetStatusCode(ctx, http.StatusOK); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(ig.page)
	return err
}
