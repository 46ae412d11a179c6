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

	"venturelab/internal/config"
	"venturelab/internal/db"
	"venturelab/internal/domain"
	"venturelab/internal/engine"
	"venturelab/internal/migrate"
)

type scriptedGen struct {
	reply    string
	brief    string
	research string
	brand    string
}

func newScriptedGen() *scriptedGen {
	return &scriptedGen{
		reply:    "what problem does it solve?",
		brief:    `{"niche":"candles","targetCustomer":"busy parents","coreProblem":"stress","solutionPromise":"calm evenings","monetizationModel":"subscription"}`,
		research: `{"summary":"niche is viable","viabilityScore":7.5}`,
		brand:    `{"nameOptions":["Calmwick"],"positioningStatement":"calm in a jar","voice":{}}`,
	}
}

func (g *scriptedGen) Converse(context.Context, string, []domain.ChatTurn, string) (string, error) {
	return g.reply, nil
}

func (g *scriptedGen) SummarizeIdea(context.Context, []domain.ChatTurn) (json.RawMessage, error) {
	return json.RawMessage(g.brief), nil
}

func (g *scriptedGen) ResearchMarket(context.Context, domain.IdeaBrief) (json.RawMessage, error) {
	return json.RawMessage(g.research), nil
}

func (g *scriptedGen) BuildBrandKit(context.Context, domain.IdeaBrief, domain.ResearchReport) (json.RawMessage, error) {
	return json.RawMessage(g.brand), nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
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
	e := engine.New(conn, config.Default(""), newScriptedGen())
	handler, err := New(Config{Engine: e, Auth: auth})
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
		Engine: e,
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

func createProject(t *testing.T, srv *testServer, name string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects", map[string]any{"name": name}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	var body map[string]string
	_ = json.Unmarshal(data, &body)
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", string(data))
	}
}

func TestCreateAndGetProject(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createProject(t, srv, "Acme")
	if p.Name != "Acme" || p.ID == "" {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.ChatHistory == nil || len(p.ChatHistory) != 0 {
		t.Fatalf("expected empty chat history, got %v", p.ChatHistory)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/"+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
	}
	var detail ProjectDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Project.ID != p.ID || len(detail.Artifacts) != 0 || len(detail.Runs) != 0 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}
}

func TestChatGeneratesBriefAtThreshold(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createProject(t, srv, "Acme")

	var chat ChatResponse
	for i, msg := range []string{"I want to sell candles", "for busy parents"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects/"+p.ID+"/chat", map[string]any{"message": msg}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("chat %d status %d: %s", i, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &chat); err != nil {
			t.Fatalf("unmarshal chat: %v", err)
		}
	}
	if chat.AIResponse == "" {
		t.Fatalf("expected model reply")
	}
	if len(chat.History) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(chat.History))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/"+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d", res.StatusCode)
	}
	var detail ProjectDetailResponse
	_ = json.Unmarshal(data, &detail)
	if len(detail.Artifacts) != 1 || detail.Artifacts[0].Stage != domain.StageIdeaBrief {
		t.Fatalf("expected idea_brief artifact, got %+v", detail.Artifacts)
	}
	if !detail.Project.BriefFinalized {
		t.Fatalf("expected finalized brief")
	}
}

func TestChatMessageRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createProject(t, srv, "Acme")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects/"+p.ID+"/chat", map[string]any{"message": " "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownStageRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createProject(t, srv, "Acme")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects/"+p.ID+"/stages/moonshot/run", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	runsRes, runsData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/"+p.ID+"/runs", nil, nil)
	if runsRes.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d", runsRes.StatusCode)
	}
	var runs []RunResponse
	_ = json.Unmarshal(runsData, &runs)
	if len(runs) != 0 {
		t.Fatalf("expected no runs after rejected stage, got %d", len(runs))
	}
}

func TestStageRunPolling(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createProject(t, srv, "Acme")
	gen := newScriptedGen()
	if _, err := srv.Engine.Repo.UpsertArtifact(context.Background(), p.ID, domain.StageIdeaBrief, json.RawMessage(gen.brief)); err != nil {
		t.Fatalf("seed brief: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects/"+p.ID+"/stages/research_report/run", nil, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start run status %d: %s", res.StatusCode, string(data))
	}
	var started StartRunResponse
	if err := json.Unmarshal(data, &started); err != nil || started.RunID == "" {
		t.Fatalf("unmarshal run id: %v %s", err, string(data))
	}

	var run RunResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/"+p.ID+"/runs/"+started.RunID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &run); err != nil {
			t.Fatalf("unmarshal run: %v", err)
		}
		if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never terminal: %+v", run)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected COMPLETED, got %s logs=%v", run.Status, run.Logs)
	}
	if run.FinishedAt == nil {
		t.Fatalf("expected finish timestamp")
	}

	getRes, getData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/"+p.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d", getRes.StatusCode)
	}
	var detail ProjectDetailResponse
	_ = json.Unmarshal(getData, &detail)
	found := false
	for _, a := range detail.Artifacts {
		if a.Stage == domain.StageResearchReport {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected research_report artifact, got %+v", detail.Artifacts)
	}
}

func TestRunNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createProject(t, srv, "Acme")
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/projects/"+p.ID+"/runs/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestAuthEnforcedWhenConfigured(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects", map[string]any{"name": "Acme"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
}
