package controller

import (
	"net/http"
	"sync"

	"github.com/canopy-network/poold/app/poold/types"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type Controller struct {
	App      *types.App
	Validate *validator.Validate

	// noteMu makes the intent and limit order admission checks atomic, so a note
	// backs one or the other.
	noteMu sync.Mutex
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		App:      app,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	handle := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, c.App.Metrics.Instrument(path, h)).Methods(methods...)
	}

	handle("/health", c.HandleHealth, http.MethodGet)

	// intents
	handle("/track_intent", c.HandleTrackIntent, http.MethodPost)
	handle("/track_note", c.HandleTrackIntent, http.MethodPost)
	handle("/tracked_intents", c.HandleTrackedIntents, http.MethodGet)
	handle("/tracked_notes", c.HandleTrackedNotes, http.MethodGet)

	// settlement
	handle("/consume", c.HandleConsume, http.MethodPost)
	handle("/consume_note", c.HandleConsume, http.MethodPost)
	handle("/pool_reserves", c.HandlePoolReserves, http.MethodGet)
	handle("/settlements", c.HandleSettlements, http.MethodGet)

	// prices
	handle("/twap", c.HandleTWAP, http.MethodGet)
	handle("/price_history", c.HandlePriceHistory, http.MethodGet)
	handle("/current_fee", c.HandleCurrentFee, http.MethodGet)

	// limit orders
	handle("/limit_order", c.HandleLimitOrder, http.MethodPost)
	handle("/limit_orders", c.HandleLimitOrders, http.MethodGet)
	handle("/cancel_limit_order", c.HandleCancelLimitOrder, http.MethodPost)

	// liquidity
	handle("/withdraw", c.HandleWithdraw, http.MethodPost)
	handle("/user_deposits", c.HandleUserDeposits, http.MethodGet)
	handle("/record_trade", c.HandleRecordTrade, http.MethodPost)
	handle("/trade_volume", c.HandleTradeVolume, http.MethodGet)
	handle("/apy", c.HandleAPY, http.MethodGet)

	r.Handle("/metrics", c.App.Metrics.Handler()).Methods(http.MethodGet)
	// not instrumented: the connection is hijacked
	r.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}
