package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/craftsite/previewhub/internal/auth"
	"github.com/craftsite/previewhub/internal/inspect"
	"github.com/craftsite/previewhub/internal/preview"
	"github.com/craftsite/previewhub/internal/proxy"
	"github.com/craftsite/previewhub/internal/sourcehost"
	"github.com/craftsite/previewhub/internal/store"
)

type fakeProjects struct {
	projects map[string]*store.Project
}

func (f *fakeProjects) GetProjectByID(id string) (*store.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, store.ErrProjectNotFound
	}
	return p, nil
}

type fakeSource struct{}

func (f *fakeSource) GetFileTree(ctx context.Context, owner, repo, ref string) ([]sourcehost.TreeEntry, error) {
	return nil, errors.New("unreachable")
}

func (f *fakeSource) GetFileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	return nil, errors.New("unreachable")
}

// newTestServer wires a server whose preview launches always fail fast (the
// install command exits non-zero), which is enough to exercise the API
// surface without real dev servers.
func newTestServer(t *testing.T) (*Server, *auth.Verifier, *proxy.RouteTracker) {
	t.Helper()

	ports, err := preview.NewPortAllocator(3400, 3410)
	if err != nil {
		t.Fatalf("NewPortAllocator returned error: %v", err)
	}
	projects := &fakeProjects{projects: map[string]*store.Project{
		"proj-1": {ID: "proj-1", OwnerID: "user-1"},
	}}
	ws := preview.NewWorkspaceSync(projects, &fakeSource{}, nil)
	supervisor := preview.NewProcessSupervisor(preview.SupervisorConfig{
		InstallCommand: []string{"false"},
		ServeCommand:   []string{"sleep"},
		ReadyTimeout:   time.Second,
	})
	registry, err := preview.NewPreviewRegistry(preview.RegistryConfig{
		Allocator:     ports,
		Workspace:     ws,
		Supervisor:    supervisor,
		WorkspaceRoot: t.TempDir(),
		ProxyBase:     "/preview",
	})
	if err != nil {
		t.Fatalf("NewPreviewRegistry returned error: %v", err)
	}

	verifier := auth.NewVerifier("test-secret")
	tracker := proxy.NewRouteTracker()
	gateway := proxy.NewGateway("/preview", registry, verifier, tracker, nil)
	renderer := inspect.NewRenderer(registry, tracker, nil)

	srv := New(Config{
		Registry:           registry,
		Tracker:            tracker,
		Renderer:           renderer,
		Gateway:            gateway,
		Verifier:           verifier,
		ProxyBase:          "/preview",
		StartRatePerMinute: 6,
	})
	return srv, verifier, tracker
}

func issueToken(t *testing.T, verifier *auth.Verifier) string {
	t.Helper()
	token, err := verifier.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	return token
}

func doAPI(srv *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.handleRequest(w, req)
	return w
}

func TestAPIRequiresAuthentication(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doAPI(srv, http.MethodGet, "/api/previews?projectId=proj-1", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	w = doAPI(srv, http.MethodGet, "/api/previews?projectId=proj-1", "garbage", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with invalid token, got %d", w.Code)
	}
}

func TestUnknownPathsReturn404(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	for _, path := range []string{"/", "/api/other", "/api/previews/inst-1/unknown"} {
		w := doAPI(srv, http.MethodGet, path, token, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for %s, got %d", path, w.Code)
		}
	}
}

func TestStartReturnsInstanceSnapshot(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	body, _ := json.Marshal(map[string]string{"projectId": "proj-1"})
	w := doAPI(srv, http.MethodPost, "/api/previews", token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var snap preview.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.ProjectID != "proj-1" || snap.ID == "" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	// The stub install command fails, so the lifecycle ends in error.
	if snap.Status != "error" {
		t.Errorf("Expected error status from failed launch, got %s", snap.Status)
	}
}

func TestStartRejectsMissingProjectID(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	w := doAPI(srv, http.MethodPost, "/api/previews", token, []byte(`{}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty project id, got %d", w.Code)
	}
}

func TestStartRateLimitsPerUser(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)
	body, _ := json.Marshal(map[string]string{"projectId": "proj-1"})

	for i := 0; i < 2; i++ {
		w := doAPI(srv, http.MethodPost, "/api/previews", token, body)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := doAPI(srv, http.MethodPost, "/api/previews", token, body)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after burst exhausted, got %d", w.Code)
	}
}

func TestListRequiresProjectID(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	w := doAPI(srv, http.MethodGet, "/api/previews", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without projectId, got %d", w.Code)
	}
}

func TestListReturnsProjectInstances(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	body, _ := json.Marshal(map[string]string{"projectId": "proj-1"})
	doAPI(srv, http.MethodPost, "/api/previews", token, body)

	w := doAPI(srv, http.MethodGet, "/api/previews?projectId=proj-1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var snaps []preview.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("Expected 1 instance, got %d", len(snaps))
	}

	w = doAPI(srv, http.MethodGet, "/api/previews?projectId=empty-project", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for empty project, got %d", w.Code)
	}
	if body := w.Body.String(); body == "null" || body == "" {
		t.Errorf("Empty list should serialize as [], got %q", body)
	}
}

func TestStatusUnknownInstance(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	w := doAPI(srv, http.MethodGet, "/api/previews/missing", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestStopUnknownInstance(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	w := doAPI(srv, http.MethodDelete, "/api/previews/missing", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRouteSetAndGet(t *testing.T) {
	srv, verifier, tracker := newTestServer(t)
	token := issueToken(t, verifier)

	body, _ := json.Marshal(map[string]string{"path": "/pricing"})
	w := doAPI(srv, http.MethodPost, "/api/previews/inst-1/route", token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := tracker.Get("inst-1"); got != "/pricing" {
		t.Errorf("Route was not recorded, tracker has %s", got)
	}

	w = doAPI(srv, http.MethodGet, "/api/previews/inst-1/route", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode route response: %v", err)
	}
	if resp["path"] != "/pricing" {
		t.Errorf("Expected /pricing, got %s", resp["path"])
	}
}

func TestSetRouteRejectsEmptyPath(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	w := doAPI(srv, http.MethodPost, "/api/previews/inst-1/route", token, []byte(`{}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty path, got %d", w.Code)
	}
}

func TestInspectNotRunning(t *testing.T) {
	srv, verifier, _ := newTestServer(t)
	token := issueToken(t, verifier)

	w := doAPI(srv, http.MethodGet, "/api/previews/missing/inspect", token, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for non-running instance, got %d", w.Code)
	}
}
