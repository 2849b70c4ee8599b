package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"dripflow/internal/dispatch"
	"dripflow/internal/domain"
	"dripflow/internal/expander"
	"dripflow/internal/planner"
	"dripflow/internal/report"
	"dripflow/internal/scheduler"
	"dripflow/internal/store"
)

type fakeTicker struct{ result scheduler.TickResult }

func (f *fakeTicker) RunTick(ctx context.Context, now time.Time) scheduler.TickResult {
	return f.result
}

// stubSender succeeds after a short delay, or fails transiently if its
// context is cancelled first.
type stubSender struct {
	ch    domain.Channel
	delay time.Duration
	mu    sync.Mutex
	sends int
}

func (s *stubSender) Channel() domain.Channel { return s.ch }

func (s *stubSender) Send(ctx context.Context, rcpt domain.Recipient, content domain.ContentItem) error {
	select {
	case <-ctx.Done():
		return dispatch.Transient(ctx.Err())
	case <-time.After(s.delay):
	}
	s.mu.Lock()
	s.sends++
	s.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	st := store.NewSQLite(db)
	return NewServer(st, planner.New(st), report.NewAggregator(st), &fakeTicker{
		result: scheduler.TickResult{DueDrops: 1, ExpandedDrops: 1, JobsCreated: 4},
	})
}

func campaignBody(start string) []byte {
	body := map[string]any{
		"org_id":     "org_1",
		"name":       "June drip",
		"start_date": start,
		"send_time":  "09:00",
		"timezone":   "UTC",
		"channels":   []string{"push", "web"},
		"audience": []map[string]any{
			{"user_id": "u1", "device_token": "tok-1"},
			{"user_id": "u2", "device_token": "tok-2"},
		},
		"content": []map[string]any{
			{"title": "Day 1", "body": "welcome"},
			{"title": "Day 2", "body": "keep going"},
			{"title": "Day 3", "body": "closing"},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func futureDate(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}

func createCampaign(t *testing.T, srv http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(campaignBody(futureDate(1))))
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create campaign: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID           string `json:"id"`
		DropsCreated int    `json:"drops_created"`
		EndDate      string `json:"end_date"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DropsCreated != 3 {
		t.Fatalf("want 3 drops created, got %d", resp.DropsCreated)
	}
	return resp.ID
}

func TestCreateCampaignAndFetch(t *testing.T) {
	srv := newTestServer(t)
	id := createCampaign(t, srv)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/campaigns/"+id, nil))
	if rec.Code != 200 {
		t.Fatalf("get campaign: status %d", rec.Code)
	}
	var got struct {
		Status string           `json:"status"`
		Drops  []map[string]any `json:"drops"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "active" {
		t.Errorf("want active, got %s", got.Status)
	}
	if len(got.Drops) != 3 {
		t.Errorf("want 3 drops, got %d", len(got.Drops))
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"no content", func(m map[string]any) { delete(m, "content") }},
		{"no audience", func(m map[string]any) { delete(m, "audience") }},
		{"past start", func(m map[string]any) { m["start_date"] = "2020-01-01" }},
		{"bad channel", func(m map[string]any) { m["channels"] = []string{"fax"} }},
	}
	for _, tc := range cases {
		var body map[string]any
		if err := json.Unmarshal(campaignBody(futureDate(1)), &body); err != nil {
			t.Fatal(err)
		}
		tc.mutate(body)
		b, _ := json.Marshal(body)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(b)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", tc.name, rec.Code)
		}
	}
}

func TestCampaignStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := createCampaign(t, srv)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", fmt.Sprintf("/api/campaigns/%s/status", id), nil))
	if rec.Code != 200 {
		t.Fatalf("status endpoint: %d", rec.Code)
	}
	var status struct {
		SelectedUsers int `json:"selected_users_count"`
		TotalDrops    int `json:"total_drops"`
		TotalSends    int `json:"total_sends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.SelectedUsers != 2 || status.TotalDrops != 3 || status.TotalSends != 0 {
		t.Fatalf("unexpected rollup: %+v", status)
	}
}

func TestCancelCampaignEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := createCampaign(t, srv)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns/"+id+"/cancel", nil))
	if rec.Code != 200 {
		t.Fatalf("cancel: status %d", rec.Code)
	}
	var resp struct {
		CancelledDrops int `json:"cancelled_drops"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CancelledDrops != 3 {
		t.Fatalf("want 3 cancelled drops, got %d", resp.CancelledDrops)
	}
}

func TestCancelUnknownCampaign(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns/cmp_missing/cancel", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}

// A store failure during creation is a server error, not a client one.
func TestCreateCampaignStoreFailure(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	st := store.NewSQLite(db)
	srv := NewServer(st, planner.New(st), report.NewAggregator(st), &fakeTicker{})
	db.Close()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(campaignBody(futureDate(1)))))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500 on store failure, got %d", rec.Code)
	}
}

func TestTickEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/scheduler/tick", nil))
	if rec.Code != 200 {
		t.Fatalf("tick: status %d", rec.Code)
	}
	var res scheduler.TickResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.JobsCreated != 4 {
		t.Fatalf("want passthrough tick result, got %+v", res)
	}
}

// The on-demand tick end to end: a due drop expands, the handler
// returns, the request context dies, and the deliveries still land.
// net/http cancels r.Context() the moment the handler returns, so a
// dispatch tied to it would abort mid-flight.
func TestTickDeliversAfterRequestContextDies(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	st := store.NewSQLite(db)

	push := &stubSender{ch: domain.ChannelPush, delay: 30 * time.Millisecond}
	web := &stubSender{ch: domain.ChannelWeb, delay: 30 * time.Millisecond}
	d := dispatch.NewDispatcher(st, dispatch.NewPool(4), push, web).WithRetryPolicy(1, time.Millisecond)
	exp := expander.New(st, d).WithWindow(5 * time.Second)
	sched := scheduler.NewService(st, exp)
	srv := NewServer(st, planner.New(st), report.NewAggregator(st), sched)

	// Start today at midnight so the first drop is already due.
	var body map[string]any
	if err := json.Unmarshal(campaignBody(futureDate(0)), &body); err != nil {
		t.Fatal(err)
	}
	body["send_time"] = "00:00"
	b, _ := json.Marshal(body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(b)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create campaign: status %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/scheduler/tick", nil).WithContext(ctx))
	if rec.Code != 200 {
		t.Fatalf("tick: status %d", rec.Code)
	}
	var res scheduler.TickResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ExpandedDrops != 1 || res.JobsCreated != 4 {
		t.Fatalf("want 1 drop expanded into 4 jobs, got %+v", res)
	}
	cancel()
	exp.Drain()

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", fmt.Sprintf("/api/campaigns/%s/status", created.ID), nil))
	var status struct {
		SuccessfulSends int `json:"successful_sends"`
		FailedSends     int `json:"failed_sends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.SuccessfulSends != 4 || status.FailedSends != 0 {
		t.Fatalf("want 4 successful / 0 failed after request context died, got %+v", status)
	}
}
