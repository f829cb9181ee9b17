// Package handlers contains the full set of handler functions and routes
// supported by the viewer.
package handlers

import (
	"net/http"
	"os"

	"github.com/ardanlabs/txrelay/business/web/mid"
	"github.com/ardanlabs/txrelay/foundation/metrics"
	"github.com/ardanlabs/txrelay/foundation/web"
	"go.uber.org/zap"
)

// UIMux constructs an http.Handler with all application routes defined.
func UIMux(shutdown chan os.Signal, log *zap.SugaredLogger, m *metrics.Metrics, nodeHost string) (*web.App, error) {
	app := web.NewApp(
		shutdown,
		mid.Logger(log),
		mid.Errors(log),
		mid.Metrics(m),
		mid.Panics(m),
	)

	ig, err := newIndex(nodeHost)
	if err != nil {
		return nil, err
	}
	app.Handle(http.MethodGet, "", "/", ig.handler)

	return app, nil
}
