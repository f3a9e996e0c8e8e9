package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const version = "1.0.0"

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	resp := errorResponse{}
	resp.Error.Message = msg
	resp.Error.Code = code
	_ = enc.Encode(resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	snap := g.status.Snapshot()
	g.writeJSON(w, 200, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  uptime,
		"child":   string(snap.State),
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	snap := g.status.Snapshot()
	resp := map[string]any{
		"supervisor": snap,
	}
	if g.events != nil {
		if count, err := g.events.Count(); err == nil {
			resp["journal_events"] = count
		}
	}
	g.writeJSON(w, 200, resp)
}

// handleEvents implements GET /api/events?limit=N
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if g.events == nil {
		g.writeError(w, "journal disabled", 503)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			g.writeError(w, "limit must be an integer between 1 and 1000", 400)
			return
		}
		limit = n
	}
	entries, err := g.events.Recent(limit)
	if err != nil {
		g.logger.Error("journal read failed", "error", err)
		g.writeError(w, "journal read failed", 500)
		return
	}
	g.writeJSON(w, 200, map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}

// handleRecycle implements POST /api/recycle
func (g *Gateway) handleRecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// An empty body is fine, the reason is optional.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "api request"
	}
	if err := g.recycler.Recycle(body.Reason); err != nil {
		g.writeError(w, err.Error(), 409)
		return
	}
	g.writeJSON(w, 202, map[string]string{
		"status": "recycling",
		"reason": body.Reason,
	})
}
