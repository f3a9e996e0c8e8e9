package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/config"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/journal"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/supervisor"
)

type fakeStatus struct {
	snap supervisor.Snapshot
}

func (f *fakeStatus) Snapshot() supervisor.Snapshot { return f.snap }

type fakeRecycler struct {
	reasons []string
	err     error
}

func (f *fakeRecycler) Recycle(reason string) error {
	if f.err != nil {
		return f.err
	}
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeEvents struct {
	entries []journal.Entry
	err     error
}

func (f *fakeEvents) Recent(limit int) ([]journal.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	return f.entries[:limit], nil
}

func (f *fakeEvents) Count() (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.entries), nil
}

func newTestGateway(t *testing.T, recycler *fakeRecycler, events EventStore, token string) *Gateway {
	t.Helper()
	status := &fakeStatus{snap: supervisor.Snapshot{
		State:    supervisor.StateRunning,
		PID:      4242,
		Failures: 1,
	}}
	cfg := config.GatewayConfig{Enabled: true, Address: "127.0.0.1:0", AuthToken: token}
	g := New(status, recycler, events, cfg, nil)
	g.startedAt = time.Now()
	return g
}

func doRequest(g *Gateway, method, target, token string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, &fakeRecycler{}, &fakeEvents{}, "")

	rec := doRequest(g, http.MethodGet, "/health", "", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["child"] != string(supervisor.StateRunning) {
		t.Errorf("child field = %v", resp["child"])
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestStatusReportsSnapshot(t *testing.T) {
	events := &fakeEvents{entries: make([]journal.Entry, 3)}
	g := newTestGateway(t, &fakeRecycler{}, events, "")

	rec := doRequest(g, http.MethodGet, "/api/status", "", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Supervisor    supervisor.Snapshot `json:"supervisor"`
		JournalEvents int                 `json:"journal_events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Supervisor.PID != 4242 {
		t.Errorf("PID = %d, want 4242", resp.Supervisor.PID)
	}
	if resp.Supervisor.State != supervisor.StateRunning {
		t.Errorf("State = %q", resp.Supervisor.State)
	}
	if resp.JournalEvents != 3 {
		t.Errorf("JournalEvents = %d, want 3", resp.JournalEvents)
	}
}

func TestEvents(t *testing.T) {
	events := &fakeEvents{entries: []journal.Entry{
		{ID: "a", Type: "exit"},
		{ID: "b", Type: "respawn"},
	}}
	g := newTestGateway(t, &fakeRecycler{}, events, "")

	t.Run("default limit", func(t *testing.T) {
		rec := doRequest(g, http.MethodGet, "/api/events", "", "")
		if rec.Code != 200 {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Events []journal.Entry `json:"events"`
			Count  int             `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 2 || len(resp.Events) != 2 {
			t.Errorf("count = %d, events = %d", resp.Count, len(resp.Events))
		}
	})

	t.Run("explicit limit", func(t *testing.T) {
		rec := doRequest(g, http.MethodGet, "/api/events?limit=1", "", "")
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 1 {
			t.Errorf("count = %d, want 1", resp.Count)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := doRequest(g, http.MethodGet, "/api/events?limit=zero", "", "")
		if rec.Code != 400 {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("journal disabled", func(t *testing.T) {
		g := newTestGateway(t, &fakeRecycler{}, nil, "")
		rec := doRequest(g, http.MethodGet, "/api/events", "", "")
		if rec.Code != 503 {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestRecycle(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		recycler := &fakeRecycler{}
		g := newTestGateway(t, recycler, &fakeEvents{}, "")

		rec := doRequest(g, http.MethodPost, "/api/recycle", "", `{"reason":"deploy"}`)
		if rec.Code != 202 {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		if len(recycler.reasons) != 1 || recycler.reasons[0] != "deploy" {
			t.Errorf("reasons = %v", recycler.reasons)
		}
	})

	t.Run("default reason", func(t *testing.T) {
		recycler := &fakeRecycler{}
		g := newTestGateway(t, recycler, &fakeEvents{}, "")

		doRequest(g, http.MethodPost, "/api/recycle", "", "")
		if len(recycler.reasons) != 1 || recycler.reasons[0] != "api request" {
			t.Errorf("reasons = %v", recycler.reasons)
		}
	})

	t.Run("not running", func(t *testing.T) {
		recycler := &fakeRecycler{err: errors.New("child is not running")}
		g := newTestGateway(t, recycler, &fakeEvents{}, "")

		rec := doRequest(g, http.MethodPost, "/api/recycle", "", "")
		if rec.Code != 409 {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("get rejected", func(t *testing.T) {
		g := newTestGateway(t, &fakeRecycler{}, &fakeEvents{}, "")
		rec := doRequest(g, http.MethodGet, "/api/recycle", "", "")
		if rec.Code != 405 {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}

func TestAuth(t *testing.T) {
	const token = "sekrit"

	t.Run("health is public", func(t *testing.T) {
		g := newTestGateway(t, &fakeRecycler{}, &fakeEvents{}, token)
		rec := doRequest(g, http.MethodGet, "/health", "", "")
		if rec.Code != 200 {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("api requires token", func(t *testing.T) {
		g := newTestGateway(t, &fakeRecycler{}, &fakeEvents{}, token)
		rec := doRequest(g, http.MethodGet, "/api/status", "", "")
		if rec.Code != 401 {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		g := newTestGateway(t, &fakeRecycler{}, &fakeEvents{}, token)
		rec := doRequest(g, http.MethodGet, "/api/status", "wrong", "")
		if rec.Code != 401 {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("correct token accepted", func(t *testing.T) {
		g := newTestGateway(t, &fakeRecycler{}, &fakeEvents{}, token)
		rec := doRequest(g, http.MethodGet, "/api/status", token, "")
		if rec.Code != 200 {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}
