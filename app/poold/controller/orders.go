package controller

import (
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/poold/pkg/orderbook"
	"go.uber.org/zap"
)

type limitOrderRequest struct {
	NoteID       string `json:"note_id" validate:"required"`
	PoolID       string `json:"pool_account_id" validate:"required"`
	UserID       string `json:"user_account_id" validate:"required"`
	SellAsset    string `json:"sell_token_id" validate:"required"`
	BuyAsset     string `json:"buy_token_id" validate:"required,nefield=SellAsset"`
	AmountIn     string `json:"amount_in" validate:"required,numeric"`
	MinAmountOut string `json:"min_amount_out" validate:"required,numeric"`
	// ExpiresAt is a unix timestamp in seconds; zero applies the default lifetime.
	ExpiresAt int64 `json:"expires_at" validate:"gte=0"`
}

// HandleLimitOrder rests a conditional swap on a note already sent to the pool.
// POST /limit_order
func (c *Controller) HandleLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req limitOrderRequest
	if err := c.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amountIn, err := parsePositiveAmount("amount_in", req.AmountIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minOut, err := parseAmount("min_amount_out", req.MinAmountOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	expires := now.Add(c.orderTTL())
	if req.ExpiresAt > 0 {
		expires = time.Unix(req.ExpiresAt, 0).UTC()
	}

	c.noteMu.Lock()
	if _, tracked := c.App.Intents.Get(req.NoteID); tracked {
		c.noteMu.Unlock()
		writeError(w, http.StatusConflict, "note is already tracked as a settlement intent")
		return
	}
	order, err := c.App.Book.Submit(orderbook.Order{
		NoteID:       req.NoteID,
		PoolID:       req.PoolID,
		Requester:    req.UserID,
		SellAsset:    req.SellAsset,
		BuyAsset:     req.BuyAsset,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		CreatedAt:    now,
		ExpiresAt:    expires,
	})
	c.noteMu.Unlock()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	c.App.Logger.Info("Limit order placed",
		zap.String("order_id", order.ID),
		zap.String("pool_id", order.PoolID),
		zap.String("user_id", order.Requester),
		zap.Uint64("amount_in", order.AmountIn),
		zap.Uint64("min_amount_out", order.MinAmountOut),
		zap.Time("expires_at", order.ExpiresAt))

	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "order": order})
}

func (c *Controller) orderTTL() time.Duration {
	if c.App.OrderTTL > 0 {
		return c.App.OrderTTL
	}
	return 24 * time.Hour
}

// HandleLimitOrders lists orders in placement order, optionally for one user.
// GET /limit_orders?user_id=<id>
func (c *Controller) HandleLimitOrders(w http.ResponseWriter, r *http.Request) {
	list := c.App.Book.List(r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": list,
		"count":  len(list),
	})
}

type cancelOrderRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	UserID  string `json:"user_account_id" validate:"required"`
}

// HandleCancelLimitOrder cancels a pending order owned by the caller. The backing
// note stays with the pool until it is consumed.
// POST /cancel_limit_order
func (c *Controller) HandleCancelLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := c.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	existing, ok := c.App.Book.Get(req.OrderID)
	if !ok || existing.Requester != req.UserID {
		writeError(w, http.StatusNotFound, orderbook.ErrNotFound.Error())
		return
	}
	order, err := c.App.Book.Cancel(req.OrderID)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, orderbook.ErrAlreadyTerminal) {
			msg = "order is already " + string(order.Status)
		}
		writeError(w, statusFor(err), msg)
		return
	}
	c.App.Logger.Info("Limit order cancelled", zap.String("order_id", order.ID), zap.String("user_id", req.UserID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "order": order})
}
