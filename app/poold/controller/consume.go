package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/canopy-network/poold/pkg/events"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

type consumeRequest struct {
	PoolID string `json:"pool_account_id"`
}

// HandleConsume runs an immediate sweep of one pool, or of every configured pool
// without a filter. Notes without an intent are consumed as plain notes.
// POST /consume (alias /consume_note)
func (c *Controller) HandleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := c.decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := c.engineContext(r)
	defer cancel()

	res, err := c.App.Engine.Consume(ctx, req.PoolID)
	if err != nil {
		c.App.Logger.Warn("Consume request failed", zap.String("pool_id", req.PoolID), zap.Error(err))
		writeEngineError(w, "consume", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePoolReserves reads every configured pool through the engine.
// GET /pool_reserves
func (c *Controller) HandlePoolReserves(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := c.engineContext(r)
	defer cancel()

	pools, err := c.App.Engine.PoolReserves(ctx)
	if err != nil {
		writeEngineError(w, "pool reserves", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

// HandleSettlements returns recent settlement events, from the archive when it is
// enabled and from the Redis stream otherwise.
// GET /settlements?pool_id=<id>&limit=<n>
func (c *Controller) HandleSettlements(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool_id")
	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case c.App.Archive != nil:
		rows, err := c.App.Archive.Recent(r.Context(), poolID, limit)
		if err != nil {
			c.App.Logger.Error("Settlement archive query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"source": "archive", "settlements": rows, "count": len(rows)})
	case c.App.RedisClient != nil:
		list, err := c.streamSettlements(r.Context(), poolID, limit)
		if err != nil {
			c.App.Logger.Error("Settlement stream read failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"source": "stream", "settlements": list, "count": len(list)})
	default:
		writeError(w, http.StatusServiceUnavailable, "settlement history not available (archive and redis disabled)")
	}
}

// streamSettlements reads the newest stream entries, filtering by pool. The
// stream is trimmed, so this is a recent window only.
func (c *Controller) streamSettlements(ctx context.Context, poolID string, limit int) ([]events.Event, error) {
	count := int64(limit)
	if poolID != "" {
		count = int64(limit) * 10
	}
	msgs, err := c.App.RedisClient.XRevRange(ctx, events.Stream, count)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, limit)
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if poolID != "" && evt.PoolID != poolID {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// queryLimit parses ?limit=, applying def when absent and capping at max.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
