package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(endpoints ...string) *HTTPClient {
	return NewHTTPClient(Opts{Endpoints: endpoints, Keystore: "/keys", RPS: 1000, Burst: 1000, Timeout: 2 * time.Second})
}

func TestHTTPClientRoundTrips(t *testing.T) {
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case syncPath:
			_, _ = w.Write([]byte(`{"height": 42}`))
		case reservesPath:
			_, _ = w.Write([]byte(`{"assets":[{"assetId":"A","amount":1000},{"assetId":"B","amount":2000}]}`))
		case notesPath:
			_, _ = w.Write([]byte(`{"notes":[{"noteId":"0x1","sender":"alice","assets":[{"assetId":"A","amount":5}]}]}`))
		case submitPath:
			assert.NoError(t, json.Unmarshal(body, &submitted))
			_, _ = w.Write([]byte(`{"txId":"0xtx"}`))
		case txStatusPath:
			_, _ = w.Write([]byte(`{"status":"committed"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	h, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h)

	assets, err := c.GetAccountReserves(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, []Asset{{AssetID: "A", Amount: 1000}, {AssetID: "B", Amount: 2000}}, assets)

	notes, err := c.ListConsumableNotes(ctx, "pool")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, uint64(5), notes[0].Total())

	txID, err := c.Submit(ctx, "pool", TxRequest{ConsumeNotes: []string{"0x1"}})
	require.NoError(t, err)
	assert.Equal(t, "0xtx", txID)
	assert.Equal(t, "pool", submitted["accountId"])
	assert.Equal(t, "/keys", submitted["keystore"])

	status, err := c.TransactionStatus(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, TxCommitted, status)
}

func TestHTTPClientMapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case reservesPath:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"account unknown"}`))
		case submitPath:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"commitment mismatch","code":"stale_state"}`))
		case importAccountPath:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"secret key not found"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	_, err := c.GetAccountReserves(ctx, "pool")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = c.Submit(ctx, "pool", TxRequest{})
	assert.ErrorIs(t, err, ErrStaleState)
	assert.True(t, IsStaleState(err))

	err = c.ImportAccount(ctx, "pool")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hint:")
}

func TestHTTPClientFailover(t *testing.T) {
	var badHits, goodHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		_, _ = w.Write([]byte(`{"height": 7, "txId": "0xtx"}`))
	}))
	defer good.Close()

	c := newTestClient(bad.URL, good.URL)
	ctx := context.Background()

	h, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h)
	assert.Equal(t, int32(1), badHits.Load())

	// Submissions never fail over: the first endpoint may have accepted the request.
	_, err = c.Submit(ctx, "pool", TxRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(2), badHits.Load())
	assert.Equal(t, int32(1), goodHits.Load())
}

func TestHTTPClientNoEndpoints(t *testing.T) {
	_, err := newTestClient().Sync(context.Background())
	assert.Error(t, err)
}
