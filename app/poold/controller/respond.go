package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canopy-network/poold/pkg/amm"
	"github.com/canopy-network/poold/pkg/engine"
	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/orderbook"
	"github.com/canopy-network/poold/pkg/positions"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/go-playground/validator/v10"
)

const (
	defaultRequestTimeout = 120 * time.Second
	maxBodyBytes          = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into dst and validates it. An empty body is allowed
// when optional is set.
func (c *Controller) decode(r *http.Request, dst interface{}, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	case err != nil:
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := c.Validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// parseAmount parses a base-unit amount carried as a decimal string. Empty is zero.
func parseAmount(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a valid amount", field, s)
	}
	return v, nil
}

// parsePositiveAmount is parseAmount for fields that must be present and above zero.
func parsePositiveAmount(field, s string) (uint64, error) {
	v, err := parseAmount(field, s)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return v, nil
}

// engineContext bounds how long a handler waits for the engine. Expiry does not
// cancel the queued work.
func (c *Controller) engineContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := c.App.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return context.WithTimeout(r.Context(), timeout)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, positions.ErrNoDeposit):
		return http.StatusPaymentRequired
	case errors.Is(err, orderbook.ErrNotFound),
		errors.Is(err, ledger.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, orderbook.ErrAlreadyTerminal),
		errors.Is(err, orderbook.ErrInFlight),
		errors.Is(err, orderbook.ErrDuplicateNote):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, engine.ErrZeroPayout),
		errors.Is(err, orderbook.ErrInvalidOrder),
		errors.Is(err, intents.ErrMissingNoteID),
		errors.Is(err, intents.ErrMissingPool),
		errors.Is(err, amm.ErrEmptyPool),
		errors.Is(err, amm.ErrSlippageExceeded),
		errors.Is(err, ledger.ErrInsufficientReserves),
		errors.Is(err, ledger.ErrTooManyAssets),
		errors.Is(err, ledger.ErrAssetMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeEngineError reports a failed engine call. A deadline means the caller
// stopped waiting, not that the work failed.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusRequestTimeout:
		writeError(w, status, op+" timed out waiting for the settlement engine; the request may still complete")
	default:
		writeError(w, status, err.Error())
	}
}
