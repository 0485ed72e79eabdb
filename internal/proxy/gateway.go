package proxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/craftsite/previewhub/internal/preview"
)

// assetExtensions are file extensions always treated as asset requests.
var assetExtensions = []string{
	".js", ".mjs", ".css", ".map", ".json", ".ico", ".png", ".jpg", ".jpeg",
	".gif", ".svg", ".webp", ".woff", ".woff2", ".ttf", ".eot", ".wasm",
}

// devToolingPaths are dev-server endpoints (HMR, pings) that browsers hit
// without credentials.
var devToolingPaths = []string{
	"/__vite_ping",
	"/_next/webpack-hmr",
	"/@react-refresh",
	"/favicon.ico",
}

// hop-by-hop and recomputed headers never copied from the upstream response.
var skippedResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

// InstanceResolver looks up live preview instances. Implemented by
// preview.PreviewRegistry.
type InstanceResolver interface {
	Get(instanceID string) (*preview.PreviewInstance, bool)
}

// TokenVerifier validates bearer credentials on content requests.
// Implemented by auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Gateway proxies browser traffic addressed to
// {basePath}/{projectID}/{instanceID}/{subpath} into the instance's dev
// server, rewriting HTML responses so the page stays inside the proxy path.
type Gateway struct {
	basePath string
	resolver InstanceResolver
	verifier TokenVerifier
	tracker  *RouteTracker
	client   *http.Client
	logger   *slog.Logger
}

// NewGateway creates a Gateway. basePath is the external prefix the gateway
// is mounted under, e.g. "/preview".
func NewGateway(basePath string, resolver InstanceResolver, verifier TokenVerifier, tracker *RouteTracker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{
		Timeout:   60 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	transport := &http.Transport{
		Dial:                dialer.Dial,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	return &Gateway{
		basePath: strings.TrimRight(basePath, "/"),
		resolver: resolver,
		verifier: verifier,
		tracker:  tracker,
		client:   &http.Client{Transport: transport},
		logger:   logger.With("component", "ProxyGateway"),
	}
}

// isAssetRequest classifies a subpath as an asset or dev-tooling request.
// Asset requests skip authentication: browsers do not attach custom auth
// headers to script/style/image loads triggered by markup.
func isAssetRequest(subpath string) bool {
	if isAssetPath(subpath) {
		return true
	}
	for _, p := range devToolingPaths {
		if subpath == p || strings.HasPrefix(subpath, p+"/") {
			return true
		}
	}
	if idx := strings.LastIndex(subpath, "."); idx >= 0 {
		ext := strings.ToLower(subpath[idx:])
		for _, known := range assetExtensions {
			if ext == known {
				return true
			}
		}
	}
	return false
}

// ServeHTTP handles one proxied request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("Panic while proxying request", "traceID", traceID, "path", r.URL.Path, "panic", rec)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}()

	projectID, instanceID, subpath, ok := g.splitPath(r.URL.Path)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	asset := isAssetRequest(subpath)
	token := bearerToken(r)

	if !asset && r.Method != http.MethodOptions {
		if _, err := g.verifier.Verify(token); err != nil {
			g.logger.Warn("Rejected unauthenticated content request",
				"traceID", traceID, "instanceID", instanceID, "path", subpath)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	inst, exists := g.resolver.Get(instanceID)
	if !exists || inst.ProjectID != projectID {
		http.Error(w, "Preview not found", http.StatusNotFound)
		g.logger.Info("Proxy request for unknown instance", "traceID", traceID, "instanceID", instanceID)
		return
	}
	if inst.Status() != preview.StatusRunning {
		http.Error(w, "Preview is not running", http.StatusServiceUnavailable)
		g.logger.Info("Proxy request for non-running instance",
			"traceID", traceID, "instanceID", instanceID, "status", inst.Status().String())
		return
	}

	if !asset {
		g.tracker.Set(instanceID, subpath)
	}

	targetURL := inst.InternalURL + subpath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		g.logger.Error("Failed to build upstream request", "traceID", traceID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	copyRequestHeaders(upstreamReq, r)
	// The dev server must see its own address, and HTML must arrive
	// uncompressed so the rewrite pass can transform it.
	upstreamReq.Host = strings.TrimPrefix(inst.InternalURL, "http://")
	upstreamReq.Header.Set("Accept-Encoding", "identity")

	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		g.logger.Warn("Upstream request failed",
			"traceID", traceID, "instanceID", instanceID, "target", targetURL, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if skippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			g.logger.Error("Failed to read upstream HTML body", "traceID", traceID, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		rewritten := Rewrite(string(body), inst.ExternalURL, token)
		w.WriteHeader(resp.StatusCode)
		w.Write([]byte(rewritten))
	} else {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}

	g.logger.Info("Proxied request",
		"traceID", traceID, "instanceID", instanceID, "method", r.Method,
		"path", subpath, "status", resp.StatusCode, "asset", asset)
}

// splitPath extracts (projectID, instanceID, subpath) from a gateway URL.
func (g *Gateway) splitPath(urlPath string) (string, string, string, bool) {
	if !strings.HasPrefix(urlPath, g.basePath+"/") {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(urlPath, g.basePath+"/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	subpath := "/"
	if len(parts) == 3 {
		subpath = "/" + parts[2]
	}
	return parts[0], parts[1], subpath, true
}

// bearerToken extracts the caller credential from the Authorization header or
// the preview_token query parameter (markup-driven navigation cannot set
// headers).
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("preview_token")
}

func copyRequestHeaders(dst *http.Request, src *http.Request) {
	for key, values := range src.Header {
		if key == "Connection" || key == "Accept-Encoding" {
			continue
		}
		dst.Header[key] = append([]string(nil), values...)
	}
}
