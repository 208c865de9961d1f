package poold

import (
	"net/http"

	"github.com/canopy-network/poold/app/poold/controller"
	"github.com/canopy-network/poold/app/poold/types"
	"github.com/canopy-network/poold/pkg/utils"
	"go.uber.org/zap"
)

// NewServer builds the HTTP gateway for the app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":8090")

	app.Server = &http.Server{Addr: addr, Handler: controller.WithCORS(router)}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
