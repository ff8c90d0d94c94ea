package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"researchhunt/internal/config"
	"researchhunt/internal/db"
	"researchhunt/internal/engine"
	"researchhunt/internal/migrate"
)

type testServer struct {
	URL    string
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
	e := engine.New(conn, cfg)
	if err := e.EnsureParams(context.Background()); err != nil {
		t.Fatalf("seed params: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
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

func asOwner(extra map[string]string) map[string]string {
	headers := map[string]string{"X-Actor-Id": "owner"}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func createRequestBody() map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"deposit":            1000,
		"minimum_reward":     10,
		"application_end_at": now.Add(48 * time.Hour).Format(time.RFC3339),
		"submission_end_at":  now.Add(96 * time.Hour).Format(time.RFC3339),
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", createRequestBody(), asOwner(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create request: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.ID == "" || created.Status != "open" || created.Deposit != 1000 {
		t.Fatalf("created request: %+v", created)
	}
	requestURL := srv.URL + "/v0/requests/" + created.ID

	res, data = doJSON(t, client, http.MethodPost, requestURL+"/applications", nil, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, requestURL+"/applications/alice/approve", nil, asOwner(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, requestURL+"/submissions", map[string]any{
		"evidence_hash": "sha256:abc",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var applicant ApplicantResponse
	if err := json.Unmarshal(data, &applicant); err != nil {
		t.Fatalf("unmarshal applicant: %v", err)
	}
	if !applicant.Approved || applicant.EvidenceHash == nil {
		t.Fatalf("submitted applicant: %+v", applicant)
	}

	res, data = doJSON(t, client, http.MethodGet, requestURL, nil, asOwner(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get request: %d %s", res.StatusCode, string(data))
	}
	var fetched RequestResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if len(fetched.Applicants) != 1 || fetched.Applicants[0].ActorID != "alice" {
		t.Fatalf("fetched applicants: %+v", fetched.Applicants)
	}

	res, data = doJSON(t, client, http.MethodGet, requestURL+"/escrow", nil, asOwner(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escrow: %d %s", res.StatusCode, string(data))
	}
	var escrow BalanceResponse
	_ = json.Unmarshal(data, &escrow)
	if escrow.Balance != 1000 {
		t.Fatalf("escrow balance: %+v", escrow)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := createRequestBody()
	body["id"] = "req-1"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", body, asOwner(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create request: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", body, asOwner(nil))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate id: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "duplicate_identifier" {
		t.Fatalf("error code: %s", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/req-1/deposit", map[string]any{"amount": 10}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner deposit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/missing", nil, asOwner(nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/req-1/distribute", map[string]any{
		"awards": map[string]int64{"alice": 100},
	}, asOwner(nil))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("distribute before window close: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health without auth: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad bearer token: %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "owner",
	}, asOwner(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal token: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", createRequestBody(), map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create with bearer: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	_ = json.Unmarshal(data, &created)
	if created.Owner != "owner" {
		t.Fatalf("owner from token: %+v", created)
	}
}
