// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/ardanlabs/txrelay/app/services/node/handlers/v1/private"
	"github.com/ardanlabs/txrelay/app/services/node/handlers/v1/public"
	"github.com/ardanlabs/txrelay/foundation/blockchain/state"
	"github.com/ardanlabs/txrelay/foundation/events"
	"github.com/ardanlabs/txrelay/foundation/nameservice"
	"github.com/ardanlabs/txrelay/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	Evts  *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		NS:    cfg.NS,
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis/list", pbl.Genesis)
	app.Handle(http.MethodGet, version, "/accounts/balance/:account", pbl.Balance)
	app.Handle(http.MethodPost, version, "/accounts/unlock", pbl.UnlockAccount)
	app.Handle(http.MethodGet, version, "/tx/uncommitted/list", pbl.Mempool)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitTx)
	app.Handle(http.MethodPost, version, "/tx/submit/raw", pbl.SubmitRawTx)
	app.Handle(http.MethodPost, version, "/tx/send", pbl.SendTx)
	app.Handle(http.MethodPost, version, "/block/propose", pbl.ProposeBlock)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodPost, version, "/node/peers", prv.AddPeer)
	app.Handle(http.MethodGet, version, "/node/topology", prv.Topology)
	app.Handle(http.MethodPost, version, "/node/tx/broadcast", prv.ReceiveBroadcast)
	app.Handle(http.MethodGet, version, "/node/tx/list", prv.Mempool)
	app.Handle(http.MethodPost, version, "/node/block/propose", prv.ProposeBlock)
	app.Handle(http.MethodGet, version, "/node/block/list/:from/:to", prv.BlocksByNumber)
}
