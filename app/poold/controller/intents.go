package controller

import (
	"net/http"
	"time"

	"github.com/canopy-network/poold/pkg/intents"
	"go.uber.org/zap"
)

// swapInfo is the frontend's description of a swap note.
type swapInfo struct {
	NoteID       string `json:"noteId"`
	PoolID       string `json:"poolAccountId" validate:"required"`
	SellAsset    string `json:"sellTokenId" validate:"required"`
	BuyAsset     string `json:"buyTokenId" validate:"required,nefield=SellAsset"`
	AmountIn     string `json:"amountIn" validate:"required,numeric"`
	MinAmountOut string `json:"minAmountOut" validate:"omitempty,numeric"`
	UserID       string `json:"userAccountId" validate:"required"`
	Timestamp    int64  `json:"timestamp"`
}

// depositInfo is the frontend's description of a liquidity deposit note.
type depositInfo struct {
	NoteID    string `json:"noteId"`
	PoolID    string `json:"poolAccountId" validate:"required"`
	TokenID   string `json:"tokenId" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
	UserID    string `json:"userAccountId" validate:"required"`
	MinLPOut  string `json:"minLpAmountOut" validate:"omitempty,numeric"`
	Timestamp int64  `json:"timestamp"`
}

type trackIntentRequest struct {
	NoteID      string       `json:"note_id" validate:"required"`
	NoteType    string       `json:"note_type"`
	PoolID      string       `json:"pool_account_id"`
	SwapInfo    *swapInfo    `json:"swap_info" validate:"omitempty"`
	DepositInfo *depositInfo `json:"deposit_info" validate:"omitempty"`
}

func (req trackIntentRequest) intent() (intents.Intent, error) {
	in := intents.Intent{NoteID: req.NoteID, PoolID: req.PoolID, Kind: intents.KindPlain}
	switch {
	case req.SwapInfo != nil:
		s := req.SwapInfo
		amountIn, err := parsePositiveAmount("amountIn", s.AmountIn)
		if err != nil {
			return in, err
		}
		minOut, err := parseAmount("minAmountOut", s.MinAmountOut)
		if err != nil {
			return in, err
		}
		in.Kind, in.PoolID, in.Requester = intents.KindSwap, s.PoolID, s.UserID
		in.Swap = &intents.Swap{SellAsset: s.SellAsset, BuyAsset: s.BuyAsset, AmountIn: amountIn, MinAmountOut: minOut}
		in.CreatedAt = unixOrZero(s.Timestamp)
	case req.DepositInfo != nil:
		d := req.DepositInfo
		amount, err := parsePositiveAmount("amount", d.Amount)
		if err != nil {
			return in, err
		}
		minLP, err := parseAmount("minLpAmountOut", d.MinLPOut)
		if err != nil {
			return in, err
		}
		in.Kind, in.PoolID, in.Requester = intents.KindDeposit, d.PoolID, d.UserID
		in.Deposit = &intents.Deposit{Assets: map[string]uint64{d.TokenID: amount}, MinLPOut: minLP}
		in.CreatedAt = unixOrZero(d.Timestamp)
	}
	return in, nil
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// HandleTrackIntent registers settlement metadata for a note sent to a pool.
// POST /track_intent (alias /track_note)
func (c *Controller) HandleTrackIntent(w http.ResponseWriter, r *http.Request) {
	var req trackIntentRequest
	if err := c.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := req.intent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.noteMu.Lock()
	if c.App.Book.HasPendingNote(in.NoteID) {
		c.noteMu.Unlock()
		writeError(w, http.StatusConflict, "note already backs a pending limit order")
		return
	}
	tracked, err := c.App.Intents.Track(in)
	c.noteMu.Unlock()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	c.App.Logger.Info("Tracking note",
		zap.String("note_id", tracked.NoteID),
		zap.String("kind", string(tracked.Kind)),
		zap.String("pool_id", tracked.PoolID),
		zap.String("state", string(tracked.State)))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"note_id":    tracked.NoteID,
		"has_intent": tracked.HasMetadata(),
	})
}

// HandleTrackedIntents lists every registered intent.
// GET /tracked_intents
func (c *Controller) HandleTrackedIntents(w http.ResponseWriter, r *http.Request) {
	list := c.App.Intents.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intents": list,
		"count":   len(list),
	})
}

type trackedNote struct {
	NoteID    string `json:"note_id"`
	NoteType  string `json:"note_type"`
	Timestamp int64  `json:"timestamp"`
}

// HandleTrackedNotes is the compact registry view: note id, type and time.
// GET /tracked_notes
func (c *Controller) HandleTrackedNotes(w http.ResponseWriter, r *http.Request) {
	list := c.App.Intents.List()
	notes := make([]trackedNote, 0, len(list))
	for _, in := range list {
		notes = append(notes, trackedNote{NoteID: in.NoteID, NoteType: string(in.Kind), Timestamp: in.CreatedAt.Unix()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracked_notes": notes,
		"count":         len(notes),
	})
}
