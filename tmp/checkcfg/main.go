package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"researchhunt/internal/config"
	"researchhunt/internal/db"
	"researchhunt/internal/engine"
	"researchhunt/internal/migrate"
	"researchhunt/internal/server"
)

// Manual smoke check: boot the API against a scratch workspace and create a
// request over HTTP.
func main() {
	workspace := "/tmp/researchhunt-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	if err := e.EnsureParams(context.Background()); err != nil {
		panic(err)
	}
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{
		JWTSecret:              "test-secret",
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	now := time.Now().UTC()
	body := map[string]any{
		"deposit":            1000,
		"minimum_reward":     10,
		"application_end_at": now.Add(48 * time.Hour).Format(time.RFC3339),
		"submission_end_at":  now.Add(96 * time.Hour).Format(time.RFC3339),
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/requests", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}
