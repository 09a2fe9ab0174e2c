package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"railplan/internal/db"
	"railplan/internal/domain"
	"railplan/internal/migrate"
	"railplan/internal/sched"
	"railplan/internal/store"
)

type fakeExtractor struct {
	entries []domain.Entry
	raw     string
	err     error
}

func (f fakeExtractor) Extract(ctx context.Context, filename string, data []byte) ([]domain.Entry, string, error) {
	return f.entries, f.raw, f.err
}

func (f fakeExtractor) Model() string { return "fake-model" }

func i64(v int64) *int64 { return &v }

func f64(v float64) *float64 { return &v }

type testServer struct {
	URL    string
	Store  *store.Store
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	cfg.Store = st
	cfg.Engine = sched.New(st)
	if cfg.BasePath == "" {
		cfg.BasePath = "/v0"
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  st,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Fatalf("body: %s", body)
	}
}

func TestIngestEntriesThenScheduleAndData(t *testing.T) {
	ts := newTestServer(t, Config{})
	ingestBody := map[string]any{
		"source": "shift-report",
		"entries": []map[string]any{
			{"train_id": "t1", "status": "run"},
			{"train_id": "t2", "status": "maintenance", "slot": "B4"},
			{"train_id": "t3", "notes": "fitness expired"},
		},
	}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/ingest/entries", ingestBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", resp.StatusCode, body)
	}
	var ingested IngestResponse
	if err := json.Unmarshal(body, &ingested); err != nil {
		t.Fatal(err)
	}
	if len(ingested.Parsed) != 3 || len(ingested.Updates) == 0 {
		t.Fatalf("ingest response: %s", body)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/schedule", map[string]any{"min_run": 1}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schedule status %d: %s", resp.StatusCode, body)
	}
	var res sched.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.ObjectiveStatus != "optimal" {
		t.Fatalf("objective: %s", res.ObjectiveStatus)
	}
	byID := map[string]domain.Decision{}
	for _, d := range res.Schedule {
		byID[d.TrainID] = d
	}
	if byID["T1"].Assigned != domain.StateRun {
		t.Fatalf("T1: %+v", byID["T1"])
	}
	if byID["T2"].Assigned != domain.StateMaintenance {
		t.Fatalf("T2: %+v", byID["T2"])
	}
	if byID["T3"].Assigned == domain.StateRun {
		t.Fatalf("T3 must not run: %+v", byID["T3"])
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/data", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("data status %d: %s", resp.StatusCode, body)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"trains", "fitness", "jobcard", "stabling"} {
		if _, ok := data[key]; !ok {
			t.Fatalf("missing %s in data listing: %s", key, body)
		}
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/audit?n=5", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", resp.StatusCode, body)
	}
	var audits []domain.AuditRecord
	if err := json.Unmarshal(body, &audits); err != nil {
		t.Fatal(err)
	}
	if len(audits) != 1 || audits[0].Source != "shift-report" {
		t.Fatalf("audit listing: %s", body)
	}
}

func TestIngestEntriesRequiresEntries(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/ingest/entries", map[string]any{"entries": []any{}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error envelope: %s", body)
	}
}

func TestIngestUploadUsesExtractor(t *testing.T) {
	prio := 2.0
	ts := newTestServer(t, Config{Extractor: fakeExtractor{
		entries: []domain.Entry{{TrainID: "T9", Status: "cleaning", Priority: &prio}},
		raw:     `[{"train_id":"T9","status":"cleaning","priority":2}]`,
	}})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v0/ingest?filename=shift.png", bytes.NewReader([]byte("fake image bytes")))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "image/png")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out IngestResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Parsed) != 1 || out.Parsed[0].TrainID != "T9" || out.Raw == "" {
		t.Fatalf("ingest response: %s", body)
	}
	latest, err := ts.Store.Latest(context.Background(), domain.AspectCleaning)
	if err != nil {
		t.Fatal(err)
	}
	if rec, ok := latest["T9"]; !ok || rec.Fields.LastCleanedDays == nil {
		t.Fatalf("cleaning record not applied: %+v", latest)
	}
}

func TestIngestUploadWithoutExtractor(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/ingest?filename=x.png", map[string]any{"ignored": true}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestTrainsAggregate(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()
	if err := ts.Store.UpsertTrain(ctx, domain.Train{ID: "T1", Model: "etr-500"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Store.Upsert(ctx, domain.AspectFitness, "T1", domain.Fields{Valid: i64(1), Score: f64(0.9)}, ""); err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/trains", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var records []TrainRecord
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].TrainID != "T1" || records[0].Model != "etr-500" {
		t.Fatalf("records: %s", body)
	}
	if records[0].Fitness == nil || records[0].Fitness.Fields.Score == nil || *records[0].Fitness.Fields.Score != 0.9 {
		t.Fatalf("fitness aggregate: %s", body)
	}
	if records[0].Jobcard != nil {
		t.Fatalf("unexpected jobcard aggregate: %s", body)
	}
}

func TestBearerAuthEnforcedWhenConfigured(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, Config{Auth: AuthConfig{JWTSecret: secret}})

	// Health stays open.
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/trains", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	claims := jwt.RegisteredClaims{
		Subject:   "depot-op",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/trains", nil, map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status %d: %s", resp.StatusCode, body)
	}
}
