package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/poold/app/poold/types"
	"github.com/canopy-network/poold/pkg/engine"
	"github.com/canopy-network/poold/pkg/events"
	"github.com/canopy-network/poold/pkg/intents"
	"github.com/canopy-network/poold/pkg/ledger"
	"github.com/canopy-network/poold/pkg/metrics"
	"github.com/canopy-network/poold/pkg/oracle"
	"github.com/canopy-network/poold/pkg/orderbook"
	"github.com/canopy-network/poold/pkg/positions"
	"github.com/canopy-network/poold/pkg/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testPool = "0xpool"
	alice    = "0xalice"
	assetA   = "0xaaa"
	assetB   = "0xbbb"
)

type testServer struct {
	app    *types.App
	ledger *ledger.Memory
	router http.Handler
}

// newTestServer wires the gateway to an engine over the in-memory ledger. The
// engine only runs when start is set.
func newTestServer(t *testing.T, start bool) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mem := ledger.NewMemory()
	mem.CreateAccount(testPool,
		ledger.Asset{AssetID: assetA, Amount: 1000},
		ledger.Asset{AssetID: assetB, Amount: 1000})

	store, err := positions.Open(filepath.Join(t.TempDir(), "deposits.json"), logger)
	require.NoError(t, err)

	app := &types.App{
		Intents:        intents.NewRegistry(),
		Oracle:         oracle.New(oracle.DefaultRetention),
		Book:           orderbook.New(),
		Positions:      store,
		Volumes:        volume.NewTracker(),
		Metrics:        metrics.New(),
		Events:         events.NewDispatcher(logger, events.DispatcherOpts{Workers: 1}),
		RequestTimeout: 5 * time.Second,
		TWAPWindow:     time.Hour,
		OrderTTL:       time.Hour,
		Logger:         logger,
	}
	t.Cleanup(app.Events.Close)

	app.Engine, err = engine.New(engine.Config{
		Pools:       []string{testPool},
		Confirm:     ledger.ConfirmOpts{Interval: time.Millisecond, Attempts: 5},
		SyncTimeout: time.Second,
	}, engine.Deps{
		Client:    mem,
		Intents:   app.Intents,
		Oracle:    app.Oracle,
		Book:      app.Book,
		Positions: app.Positions,
		Volumes:   app.Volumes,
		Events:    app.Events,
		Metrics:   app.Metrics,
		Logger:    logger,
	})
	require.NoError(t, err)

	if start {
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = app.Engine.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			<-app.Engine.Done()
		})
	}

	router, err := NewController(app).NewRouter()
	require.NoError(t, err)
	return &testServer{app: app, ledger: mem, router: WithCORS(router)}
}

func (s *testServer) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func swapIntent(noteID, minOut string) map[string]interface{} {
	return map[string]interface{}{
		"note_id":   noteID,
		"note_type": "swap",
		"swap_info": map[string]interface{}{
			"noteId":        noteID,
			"poolAccountId": testPool,
			"sellTokenId":   assetA,
			"buyTokenId":    assetB,
			"amountIn":      "100",
			"minAmountOut":  minOut,
			"userAccountId": alice,
			"timestamp":     time.Now().Unix(),
		},
	}
}

func (s *testServer) sendNote(amount uint64) string {
	return s.ledger.AddNote(testPool, ledger.Note{
		Sender: alice,
		Assets: []ledger.Asset{{AssetID: assetA, Amount: amount}},
	})
}

func TestTrackIntentRegistersSwap(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodPost, "/track_intent", swapIntent("0xnote1", "80"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "0xnote1", body["note_id"])
	assert.Equal(t, true, body["has_intent"])

	in, ok := s.app.Intents.Get("0xnote1")
	require.True(t, ok)
	assert.Equal(t, intents.KindSwap, in.Kind)
	assert.Equal(t, uint64(100), in.Swap.AmountIn)
	assert.Equal(t, uint64(80), in.Swap.MinAmountOut)

	rec = s.do(t, http.MethodGet, "/tracked_notes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 1, body["count"])
	note := body["tracked_notes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "swap", note["note_type"])

	// plain notes are tracked without metadata
	rec = s.do(t, http.MethodPost, "/track_note", map[string]interface{}{"note_id": "0xnote2", "note_type": "deposit"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["has_intent"])

	rec = s.do(t, http.MethodGet, "/tracked_intents", nil)
	assert.EqualValues(t, 2, decodeBody(t, rec)["count"])
}

func TestTrackIntentValidation(t *testing.T) {
	s := newTestServer(t, false)

	cases := map[string]interface{}{
		"missing note id": map[string]interface{}{"note_type": "swap"},
		"bad amount": func() map[string]interface{} {
			b := swapIntent("0xnote1", "0")
			b["swap_info"].(map[string]interface{})["amountIn"] = "ten"
			return b
		}(),
		"zero swap amount": func() map[string]interface{} {
			b := swapIntent("0xnote1", "0")
			b["swap_info"].(map[string]interface{})["amountIn"] = "0"
			return b
		}(),
		"zero deposit amount": map[string]interface{}{
			"note_id":   "0xnote1",
			"note_type": "deposit",
			"deposit_info": map[string]interface{}{
				"poolAccountId": testPool,
				"tokenId":       assetA,
				"amount":        "0",
				"userAccountId": alice,
			},
		},
		"same assets": func() map[string]interface{} {
			b := swapIntent("0xnote1", "0")
			b["swap_info"].(map[string]interface{})["buyTokenId"] = assetA
			return b
		}(),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/track_intent", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
	assert.Equal(t, 0, s.app.Intents.Len())
}

func TestConsumeSettlesTrackedSwap(t *testing.T) {
	s := newTestServer(t, true)
	noteID := s.sendNote(100)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/track_intent", swapIntent(noteID, "80")).Code)

	rec := s.do(t, http.MethodPost, "/consume", map[string]string{"pool_account_id": testPool})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["consumed"])
	assert.Equal(t, testPool, body["pool_id"])
	assert.Equal(t, 0, s.app.Intents.Len())

	// a second consume finds nothing left
	rec = s.do(t, http.MethodPost, "/consume_note", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 0, body["consumed"])
	assert.Nil(t, body["pool_id"])

	rec = s.do(t, http.MethodGet, "/price_history?pool_id="+testPool, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = s.do(t, http.MethodGet, "/twap?pool_id="+testPool+"&window=3600", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	twap, ok := decodeBody(t, rec)["twap"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 910.0/1100.0, twap, 1e-9)

	rec = s.do(t, http.MethodGet, "/trade_volume", nil)
	volumes := decodeBody(t, rec)["volumes"].([]interface{})
	require.Len(t, volumes, 1)
	assert.EqualValues(t, 100, volumes[0].(map[string]interface{})["volume_24h"])
}

func TestConsumeEngineUnavailable(t *testing.T) {
	s := newTestServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.app.Engine.Run(ctx))

	rec := s.do(t, http.MethodPost, "/consume", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "unavailable")

	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConsumeTimesOutWithoutReply(t *testing.T) {
	s := newTestServer(t, false)
	s.app.RequestTimeout = 20 * time.Millisecond

	rec := s.do(t, http.MethodPost, "/consume", nil)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "may still complete")
}

func TestPriceQueries(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodGet, "/twap?pool_id="+testPool, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Nil(t, body["twap"])
	assert.EqualValues(t, 3600, body["window_seconds"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/twap?pool_id="+testPool+"&window=-5", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/twap", nil).Code)

	rec = s.do(t, http.MethodGet, "/current_fee?pool_id="+testPool, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 10, body["fee_bps"])
	assert.Equal(t, "0.10", body["fee_percent"])
	assert.Nil(t, body["volatility"])
}

func TestLimitOrderLifecycle(t *testing.T) {
	s := newTestServer(t, false)
	order := map[string]interface{}{
		"note_id":         "0xnote1",
		"pool_account_id": testPool,
		"user_account_id": alice,
		"sell_token_id":   assetA,
		"buy_token_id":    assetB,
		"amount_in":       "100",
		"min_amount_out":  "95",
	}

	rec := s.do(t, http.MethodPost, "/limit_order", order)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	placed := decodeBody(t, rec)["order"].(map[string]interface{})
	orderID := placed["order_id"].(string)
	assert.Equal(t, string(orderbook.StatusPending), placed["status"])

	// the note cannot back a second order or an intent
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/limit_order", order).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/track_intent", swapIntent("0xnote1", "0")).Code)

	rec = s.do(t, http.MethodGet, "/limit_orders?user_id="+alice, nil)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])
	rec = s.do(t, http.MethodGet, "/limit_orders?user_id=0xbob", nil)
	assert.EqualValues(t, 0, decodeBody(t, rec)["count"])

	cancel := map[string]string{"order_id": orderID, "user_account_id": "0xbob"}
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/cancel_limit_order", cancel).Code)

	cancel["user_account_id"] = alice
	rec = s.do(t, http.MethodPost, "/cancel_limit_order", cancel)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(orderbook.StatusCancelled), decodeBody(t, rec)["order"].(map[string]interface{})["status"])

	rec = s.do(t, http.MethodPost, "/cancel_limit_order", cancel)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "cancelled")
}

func TestNoteBacksEitherIntentOrOrder(t *testing.T) {
	s := newTestServer(t, false)

	for i := 0; i < 20; i++ {
		noteID := fmt.Sprintf("0xrace%02d", i)
		order := map[string]interface{}{
			"note_id":         noteID,
			"pool_account_id": testPool,
			"user_account_id": alice,
			"sell_token_id":   assetA,
			"buy_token_id":    assetB,
			"amount_in":       "100",
			"min_amount_out":  "1",
		}

		var wg sync.WaitGroup
		codes := make([]int, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			codes[0] = s.do(t, http.MethodPost, "/track_intent", swapIntent(noteID, "0")).Code
		}()
		go func() {
			defer wg.Done()
			codes[1] = s.do(t, http.MethodPost, "/limit_order", order).Code
		}()
		wg.Wait()

		_, tracked := s.app.Intents.Get(noteID)
		assert.False(t, tracked && s.app.Book.HasPendingNote(noteID), "note %s admitted twice", noteID)
		assert.Contains(t, codes, http.StatusConflict, noteID)
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Hour, false},
		{"90", 90 * time.Second, false},
		{"30m", 30 * time.Minute, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"9223372036", 9223372036 * time.Second, false},
		{"9223372037", 0, true},
		{"99999999999999", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseWindow(tt.raw, time.Hour)
		if tt.wantErr {
			assert.ErrorIs(t, err, errInvalidWindow, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestLimitOrderRejectsZeroAmount(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(t, http.MethodPost, "/limit_order", map[string]interface{}{
		"note_id":         "0xnote1",
		"pool_account_id": testPool,
		"user_account_id": alice,
		"sell_token_id":   assetA,
		"buy_token_id":    assetB,
		"amount_in":       "0",
		"min_amount_out":  "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "amount_in must be positive")
}

func TestLimitOrderRejectsPastExpiry(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(t, http.MethodPost, "/limit_order", map[string]interface{}{
		"note_id":         "0xnote1",
		"pool_account_id": testPool,
		"user_account_id": alice,
		"sell_token_id":   assetA,
		"buy_token_id":    assetB,
		"amount_in":       "100",
		"min_amount_out":  "1",
		"expires_at":      time.Now().Add(-time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawPaysClampedShare(t *testing.T) {
	s := newTestServer(t, true)
	_, err := s.app.Positions.Credit(alice, testPool, 200, time.Now())
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/withdraw", map[string]string{
		"pool_account_id": testPool,
		"user_account_id": alice,
		"lp_amount":       "1000",
		"min_token_a_out": "500",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "100", body["token_a_out"])
	assert.Equal(t, "100", body["token_b_out"])
	assert.NotEmpty(t, body["tx_id"])
	details := body["details"].(map[string]interface{})
	assert.EqualValues(t, 0, details["remaining_deposit"])
	assert.Equal(t, true, details["token_a"].(map[string]interface{})["below_minimum"])

	rec = s.do(t, http.MethodGet, "/user_deposits?user_id="+alice, nil)
	deposits := decodeBody(t, rec)["deposits"].([]interface{})
	require.Len(t, deposits, 1)
	assert.EqualValues(t, 0, deposits[0].(map[string]interface{})["total_deposited"])
}

func TestWithdrawErrors(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodPost, "/withdraw", map[string]string{
		"pool_account_id": testPool,
		"user_account_id": alice,
		"lp_amount":       "10",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = s.do(t, http.MethodPost, "/withdraw", map[string]string{
		"pool_account_id": testPool,
		"user_account_id": alice,
		"lp_amount":       "0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/withdraw", map[string]string{"pool_account_id": testPool})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, s.ledger.Submits())
}

func TestRecordTradeAndAPY(t *testing.T) {
	s := newTestServer(t, false)
	s.app.Oracle.Record(testPool, 1, 300_000, 300_000, time.Now())

	rec := s.do(t, http.MethodPost, "/record_trade", map[string]interface{}{
		"pool_id":    testPool,
		"amount_in":  1000,
		"amount_out": 990,
		"fee_amount": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/record_trade", map[string]interface{}{"amount_in": 1}).Code)

	rec = s.do(t, http.MethodGet, "/apy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pools := decodeBody(t, rec)["pools"].([]interface{})
	require.Len(t, pools, 1)
	entry := pools[0].(map[string]interface{})
	assert.EqualValues(t, 600_000, entry["tvl"])
	assert.Equal(t, "0.18", entry["apy"])
}

func TestPoolReservesThroughEngine(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodGet, "/pool_reserves", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pools := decodeBody(t, rec)["pools"].([]interface{})
	require.Len(t, pools, 1)
	reserves := pools[0].(map[string]interface{})["reserves"].(map[string]interface{})
	assert.Equal(t, assetA, reserves["leg_a"].(map[string]interface{})["asset_id"])
	assert.EqualValues(t, 1000, reserves["leg_b"].(map[string]interface{})["amount"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `poold_http_requests_total{code="200",method="GET",route="/health"} 1`), rec.Body.String())
}

func TestRedisBackedEndpointsDisabled(t *testing.T) {
	s := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/ws", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/settlements", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/consume", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
