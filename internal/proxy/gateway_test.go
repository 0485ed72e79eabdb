package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/craftsite/previewhub/internal/preview"
)

type fakeResolver struct {
	instances map[string]*preview.PreviewInstance
}

func (f *fakeResolver) Get(instanceID string) (*preview.PreviewInstance, bool) {
	inst, ok := f.instances[instanceID]
	return inst, ok
}

type fakeVerifier struct {
	valid string
}

func (f *fakeVerifier) Verify(token string) (string, error) {
	if token == f.valid {
		return "user-1", nil
	}
	return "", errors.New("invalid token")
}

// newTestGateway stands up a fake upstream dev server and a gateway with one
// running instance pointed at it.
func newTestGateway(t *testing.T, upstream http.Handler) (*Gateway, *RouteTracker, *preview.PreviewInstance) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	inst := preview.NewPreviewInstance("inst-1", "proj-1", "user-1", 0,
		"/preview/proj-1/inst-1", srv.URL, t.TempDir())
	inst.SetStatus(preview.StatusRunning)

	resolver := &fakeResolver{instances: map[string]*preview.PreviewInstance{"inst-1": inst}}
	tracker := NewRouteTracker()
	gw := NewGateway("/preview", resolver, &fakeVerifier{valid: "good"}, tracker, nil)
	return gw, tracker, inst
}

func doProxy(gw *Gateway, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)
	return w
}

func TestGatewayProxiesAndRewritesHTML(t *testing.T) {
	gw, tracker, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><script src="/assets/app.js"></script></head><body><a href="/about">About</a></body></html>`)
	}))

	w := doProxy(gw, http.MethodGet, "/preview/proj-1/inst-1/pricing", "good")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `/preview/proj-1/inst-1/assets/app.js`) {
		t.Error("Asset URL was not rewritten through the proxy")
	}
	if !strings.Contains(body, `/preview/proj-1/inst-1/about?preview_token=good`) {
		t.Error("Nav link was not rewritten with the caller token")
	}
	if !strings.Contains(body, injectMarker) {
		t.Error("Instrumentation script was not injected")
	}
	if got := tracker.Get("inst-1"); got != "/pricing" {
		t.Errorf("Content request should update the route tracker, got %s", got)
	}
}

func TestGatewayPassesNonHTMLThrough(t *testing.T) {
	gw, tracker, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		io.WriteString(w, `console.log("/assets/untouched");`)
	}))

	w := doProxy(gw, http.MethodGet, "/preview/proj-1/inst-1/assets/app.js", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unauthenticated asset, got %d", w.Code)
	}
	if got := w.Body.String(); got != `console.log("/assets/untouched");` {
		t.Errorf("Non-HTML body was modified: %s", got)
	}
	if got := tracker.Get("inst-1"); got != "/" {
		t.Errorf("Asset requests must not update the route tracker, got %s", got)
	}
}

func TestGatewayRejectsUnauthenticatedContent(t *testing.T) {
	gw, _, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Upstream should not be reached without credentials")
	}))

	w := doProxy(gw, http.MethodGet, "/preview/proj-1/inst-1/pricing", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}

	w = doProxy(gw, http.MethodGet, "/preview/proj-1/inst-1/pricing", "bad-token")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %d", w.Code)
	}
}

func TestGatewayAcceptsQueryToken(t *testing.T) {
	gw, _, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html></html>")
	}))

	req := httptest.NewRequest(http.MethodGet, "/preview/proj-1/inst-1/pricing?preview_token=good", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with query token, got %d", w.Code)
	}
}

func TestGatewayUnknownInstance(t *testing.T) {
	gw, _, _ := newTestGateway(t, http.NotFoundHandler())

	w := doProxy(gw, http.MethodGet, "/preview/proj-1/other-instance/", "good")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown instance, got %d", w.Code)
	}
}

func TestGatewayProjectMismatch(t *testing.T) {
	gw, _, _ := newTestGateway(t, http.NotFoundHandler())

	w := doProxy(gw, http.MethodGet, "/preview/other-project/inst-1/", "good")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when instance belongs to another project, got %d", w.Code)
	}
}

func TestGatewayNonRunningInstance(t *testing.T) {
	gw, _, inst := newTestGateway(t, http.NotFoundHandler())
	inst.SetStatus(preview.StatusStopped)

	w := doProxy(gw, http.MethodGet, "/preview/proj-1/inst-1/", "good")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for stopped instance, got %d", w.Code)
	}
}

func TestGatewayUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	inst := preview.NewPreviewInstance("inst-1", "proj-1", "user-1", 0,
		"/preview/proj-1/inst-1", srv.URL, t.TempDir())
	inst.SetStatus(preview.StatusRunning)
	resolver := &fakeResolver{instances: map[string]*preview.PreviewInstance{"inst-1": inst}}
	gw := NewGateway("/preview", resolver, &fakeVerifier{valid: "good"}, NewRouteTracker(), nil)

	w := doProxy(gw, http.MethodGet, "/preview/proj-1/inst-1/", "good")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 when upstream is unreachable, got %d", w.Code)
	}
}

func TestGatewayMalformedPath(t *testing.T) {
	gw, _, _ := newTestGateway(t, http.NotFoundHandler())

	for _, path := range []string{"/preview", "/preview/", "/preview/only-project", "/elsewhere/a/b"} {
		w := doProxy(gw, http.MethodGet, path, "good")
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for path %s, got %d", path, w.Code)
		}
	}
}

func TestIsAssetRequest(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/assets/app.js", true},
		{"/_next/static/chunk.js", true},
		{"/__vite_ping", true},
		{"/favicon.ico", true},
		{"/logo.png", true},
		{"/styles.css", true},
		{"/pricing", false},
		{"/", false},
		{"/docs/getting-started", false},
	}
	for _, tt := range tests {
		if got := isAssetRequest(tt.path); got != tt.want {
			t.Errorf("isAssetRequest(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
