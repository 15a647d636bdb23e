package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"caseline/internal/compliance"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/mailbox"
	"caseline/internal/migrate"
	"caseline/internal/registry"
	"caseline/internal/router"
	"caseline/internal/security"
	"caseline/internal/store"
	"caseline/internal/supervisor"
)

type testServer struct {
	URL    string
	store  store.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := mailbox.NewHub(cfg, nil)
	rt := router.New(conn, hub, compliance.New(cfg), nil)
	coord := supervisor.New(conn, cfg, hub, rt, nil)
	st := store.New(conn, cfg)
	handler, err := New(Config{
		Store:       st,
		Registry:    registry.New(conn),
		Guard:       security.New(conn, nil),
		Coordinator: coord,
		BasePath:    "/v0",
		Auth:        AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		store:  st,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"goal":   "reconcile invoices",
		"domain": "billing",
		"skill":  "reconcile",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", createRes.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.Status != "created" {
		t.Fatalf("expected status created, got %s", created.Status)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get case status %d: %s", getRes.StatusCode, string(getBody))
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/events", nil, nil)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histBody))
	}
	var history []EventResponse
	if err := json.Unmarshal(histBody, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 || history[0].Type != "case.created" {
		t.Fatalf("expected single case.created event, got %s", string(histBody))
	}
}

func TestCreateCaseIdempotency(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{
		"goal":            "rotate keys",
		"domain":          "security",
		"skill":           "rotate",
		"idempotency_key": "rotate-2026-08",
	}
	res1, data1 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", body, nil)
	if res1.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d %s", res1.StatusCode, string(data1))
	}
	var first CaseResponse
	_ = json.Unmarshal(data1, &first)

	res2, data2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", body, nil)
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("replay create: %d %s", res2.StatusCode, string(data2))
	}
	var second CaseResponse
	_ = json.Unmarshal(data2, &second)
	if first.ID != second.ID {
		t.Fatalf("replay returned a different case: %s vs %s", first.ID, second.ID)
	}

	body["goal"] = "something else entirely"
	res3, data3 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", body, nil)
	if res3.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for reused key with new goal, got %d %s", res3.StatusCode, string(data3))
	}
}

func TestTransitionConflictForNonOwner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, regBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"id":       "worker-1",
		"capacity": 5,
		"capabilities": []map[string]any{
			{"domain": "billing", "skill": "reconcile", "max_complexity": 5},
		},
	}, nil)
	var worker WorkerResponse
	if err := json.Unmarshal(regBody, &worker); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}

	_, caseBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"goal":   "reconcile accounts",
		"domain": "billing",
		"skill":  "reconcile",
	}, nil)
	var created CaseResponse
	_ = json.Unmarshal(caseBody, &created)

	// Hand the case to worker-1, then have a stranger try to move it.
	if _, err := srv.store.Assign(context.Background(), created.ID, worker.ID, "supervisor"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/cases/"+created.ID+"/transition",
		map[string]any{"status": "in_progress"},
		map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for non-owner transition, got %d %s", res.StatusCode, string(data))
	}

	okRes, okBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/cases/"+created.ID+"/transition",
		map[string]any{"status": "in_progress"},
		map[string]string{"X-Actor-Id": worker.ID})
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("owner transition: %d %s", okRes.StatusCode, string(okBody))
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, caseBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"goal":   "migrate database",
		"domain": "infra",
		"skill":  "migrate",
	}, nil)
	var created CaseResponse
	_ = json.Unmarshal(caseBody, &created)

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/cases/"+created.ID+"/transition?force=true",
		map[string]any{"status": "in_progress"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for created->in_progress, got %d %s", res.StatusCode, string(data))
	}
}

func TestEscalationCarriesHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, caseBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"goal":   "investigate outage",
		"domain": "infra",
		"skill":  "diagnose",
	}, nil)
	var created CaseResponse
	_ = json.Unmarshal(caseBody, &created)

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/cases/"+created.ID+"/escalate",
		map[string]any{"reason": "needs human judgement"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalate: %d %s", res.StatusCode, string(data))
	}
	var esc EscalationResponse
	if err := json.Unmarshal(data, &esc); err != nil {
		t.Fatalf("unmarshal escalation: %v", err)
	}
	if esc.Reason != "needs human judgement" {
		t.Fatalf("unexpected reason %q", esc.Reason)
	}
	if len(esc.History) < 2 {
		t.Fatalf("expected creation and escalation events in history, got %d", len(esc.History))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get after escalate: %d %s", getRes.StatusCode, string(getBody))
	}
	var after CaseResponse
	_ = json.Unmarshal(getBody, &after)
	if after.Status != "escalated" {
		t.Fatalf("expected escalated, got %s", after.Status)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/cases", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}
