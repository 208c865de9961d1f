package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/canopy-network/poold/pkg/engine"
	"github.com/canopy-network/poold/pkg/volume"
)

type withdrawRequest struct {
	PoolID    string `json:"pool_account_id" validate:"required"`
	UserID    string `json:"user_account_id" validate:"required"`
	LPAmount  string `json:"lp_amount" validate:"required,numeric"`
	MinTokenA string `json:"min_token_a_out" validate:"omitempty,numeric"`
	MinTokenB string `json:"min_token_b_out" validate:"omitempty,numeric"`
}

type withdrawResponse struct {
	Success   bool                  `json:"success"`
	TxID      string                `json:"tx_id,omitempty"`
	TokenAOut string                `json:"token_a_out"`
	TokenBOut string                `json:"token_b_out"`
	Error     string                `json:"error,omitempty"`
	Details   engine.WithdrawResult `json:"details"`
}

// HandleWithdraw pays the user's share of both reserves, clamped to their tracked
// deposit. Minimum outputs are reported, not enforced.
// POST /withdraw
func (c *Controller) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := c.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lp, err := parseAmount("lp_amount", req.LPAmount)
	if err == nil && lp == 0 {
		writeError(w, http.StatusBadRequest, "lp_amount must be positive")
		return
	}
	minA, errA := parseAmount("min_token_a_out", req.MinTokenA)
	minB, errB := parseAmount("min_token_b_out", req.MinTokenB)
	for _, e := range []error{err, errA, errB} {
		if e != nil {
			writeError(w, http.StatusBadRequest, e.Error())
			return
		}
	}

	ctx, cancel := c.engineContext(r)
	defer cancel()

	res, err := c.App.Engine.Withdraw(ctx, engine.WithdrawRequest{
		PoolID:     req.PoolID,
		UserID:     req.UserID,
		LPAmount:   lp,
		MinAmountA: minA,
		MinAmountB: minB,
	})
	if err != nil && res.TxID == "" {
		writeEngineError(w, "withdraw", err)
		return
	}

	resp := withdrawResponse{
		Success:   err == nil,
		TxID:      res.TxID,
		TokenAOut: paidAmount(res.LegA),
		TokenBOut: paidAmount(res.LegB),
		Details:   res,
	}
	status := http.StatusOK
	if err != nil {
		// One leg went out before the other failed.
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// paidAmount is the leg amount as a decimal string, zero unless it left the pool.
func paidAmount(leg engine.LegPayout) string {
	if leg.Status != engine.StatusConfirmed && leg.Status != engine.StatusAmbiguous {
		return "0"
	}
	return strconv.FormatUint(leg.Amount, 10)
}

// HandleUserDeposits lists a user's tracked positions.
// GET /user_deposits?user_id=<id>
func (c *Controller) HandleUserDeposits(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user,
		"deposits": c.App.Positions.ByUser(user),
	})
}

type recordTradeRequest struct {
	PoolID    string `json:"pool_id" validate:"required"`
	AmountIn  uint64 `json:"amount_in" validate:"gt=0"`
	AmountOut uint64 `json:"amount_out"`
	FeeAmount uint64 `json:"fee_amount"`
}

// HandleRecordTrade adds an externally executed trade to the volume counters.
// POST /record_trade
func (c *Controller) HandleRecordTrade(w http.ResponseWriter, r *http.Request) {
	var req recordTradeRequest
	if err := c.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats := c.App.Volumes.Record(volume.Trade{
		PoolID:    req.PoolID,
		AmountIn:  req.AmountIn,
		AmountOut: req.AmountOut,
		FeeAmount: req.FeeAmount,
	}, time.Now())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"pool_id": req.PoolID,
		"volume":  stats,
	})
}

// HandleTradeVolume returns the 24h counters of every pool that traded.
// GET /trade_volume
func (c *Controller) HandleTradeVolume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"volumes": c.App.Volumes.All()})
}

type apyEntry struct {
	PoolID    string `json:"pool_id"`
	APY       string `json:"apy"`
	Volume24h uint64 `json:"volume_24h"`
	Fees24h   uint64 `json:"fees_24h"`
	Trades24h uint32 `json:"trades_24h"`
	TVL       uint64 `json:"tvl"`
}

// HandleAPY annualises each pool's 24h fees against its latest sampled reserves.
// GET /apy
func (c *Controller) HandleAPY(w http.ResponseWriter, r *http.Request) {
	stats := c.App.Volumes.All()
	out := make([]apyEntry, 0, len(stats))
	for _, s := range stats {
		var tvl uint64
		if latest, ok := c.App.Oracle.Latest(s.PoolID); ok {
			tvl = latest.ReserveIn + latest.ReserveOut
		}
		out = append(out, apyEntry{
			PoolID:    s.PoolID,
			APY:       volume.APY(s.Fees24h, tvl).StringFixed(2),
			Volume24h: s.Volume24h,
			Fees24h:   s.Fees24h,
			Trades24h: s.Trades24h,
			TVL:       tvl,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}
