package ledger

import (
	"errors"
	"strings"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrPoolNotFound         = errors.New("pool not found")
	ErrInsufficientReserves = errors.New("pool holds fewer than two assets")
	ErrTooManyAssets        = errors.New("pool holds more than two assets")
	ErrAssetMismatch        = errors.New("asset is not part of the pool")
	ErrStaleState           = errors.New("stale local state")
	ErrNoteNotFound         = errors.New("note not consumable")
	ErrInsufficientFunds    = errors.New("insufficient vault balance")
	ErrTxNotFound           = errors.New("transaction not found")
)

const missingKeyHint = "the pool account signing key is not in the keystore; import it before settling"

var missingKeyMarkers = []string{"key not found", "missing key", "no signing key", "secret key", "keystore"}

var staleMarkers = []string{"commitment mismatch", "stale state", "initial state commitment"}

type hintedError struct {
	err  error
	hint string
}

func (h *hintedError) Error() string { return h.err.Error() + " (hint: " + h.hint + ")" }
func (h *hintedError) Unwrap() error { return h.err }

// WithHint keeps err verbatim and appends an operator hint when it looks like a
// missing signing key.
func WithHint(err error) error {
	if err == nil {
		return nil
	}
	var h *hintedError
	if errors.As(err, &h) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range missingKeyMarkers {
		if strings.Contains(msg, m) {
			return &hintedError{err: err, hint: missingKeyHint}
		}
	}
	return err
}

// IsStaleState reports whether err means the local view lags the ledger.
func IsStaleState(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleState) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
