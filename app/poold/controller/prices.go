package controller

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/canopy-network/poold/pkg/amm"
)

// HandleTWAP returns the time-weighted average price over a window, or null when
// the pool has no samples in it.
// GET /twap?pool_id=<id>&window=<seconds|duration>
func (c *Controller) HandleTWAP(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool_id")
	if poolID == "" {
		writeError(w, http.StatusBadRequest, "missing pool_id")
		return
	}
	window, err := parseWindow(r.URL.Query().Get("window"), c.App.TWAPWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var twap *float64
	if v, ok := c.App.Oracle.TWAP(poolID, window, time.Now()); ok {
		twap = &v
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id":        poolID,
		"window_seconds": int64(window / time.Second),
		"twap":           twap,
	})
}

var errInvalidWindow = errors.New("window must be positive seconds or a duration such as 30m")

// maxWindowSeconds is the longest window a time.Duration can hold.
const maxWindowSeconds = math.MaxInt64 / int64(time.Second)

// parseWindow accepts whole seconds or a Go duration. Empty yields def.
func parseWindow(raw string, def time.Duration) (time.Duration, error) {
	if def <= 0 {
		def = time.Hour
	}
	if raw == "" {
		return def, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if sec <= 0 || sec > maxWindowSeconds {
			return 0, errInvalidWindow
		}
		return time.Duration(sec) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errInvalidWindow
	}
	return d, nil
}

// HandlePriceHistory returns the newest samples in chronological order.
// GET /price_history?pool_id=<id>&limit=<n>
func (c *Controller) HandlePriceHistory(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool_id")
	if poolID == "" {
		writeError(w, http.StatusBadRequest, "missing pool_id")
		return
	}
	limit, err := queryLimit(r, 100, 10_000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	samples := c.App.Oracle.Recent(poolID, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id": poolID,
		"prices":  samples,
		"count":   len(samples),
	})
}

// HandleCurrentFee returns the volatility fee tier the next swap would pay.
// GET /current_fee?pool_id=<id>
func (c *Controller) HandleCurrentFee(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool_id")
	if poolID == "" {
		writeError(w, http.StatusBadRequest, "missing pool_id")
		return
	}
	prices := c.App.Oracle.Prices(poolID, amm.FeeWindow)
	fee := amm.EstimateFee(prices)
	resp := map[string]interface{}{
		"pool_id":     poolID,
		"fee_bps":     fee.Bps,
		"fee_percent": fee.Percent(),
		"samples":     len(prices),
		"volatility":  nil,
	}
	if vol, ok := amm.Volatility(prices); ok {
		resp["volatility"] = vol
	}
	writeJSON(w, http.StatusOK, resp)
}
