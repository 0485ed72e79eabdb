// Package inspect produces server-rendered, element-annotated snapshots of a
// preview's current route. Unlike the live proxy path, which rewrites HTML
// with streaming string transforms, this one-shot pass parses the markup into
// a real DOM tree so element boundaries are reliable. No page script is
// executed; classification is static-markup analysis only.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"

	"github.com/craftsite/previewhub/internal/preview"
	"github.com/craftsite/previewhub/internal/proxy"
)

// ErrNotRunning is returned when the target instance is absent or not in the
// running state.
var ErrNotRunning = errors.New("preview instance is not running")

// annotationAttr carries the serialized element metadata on each annotated
// node.
const annotationAttr = "data-preview-element"

// interactiveTags are matched as interactive elements outright.
var interactiveTags = map[string]bool{
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
}

// structuralTags are common layout containers worth surfacing to the picker.
var structuralTags = map[string]bool{
	"nav":    true,
	"main":   true,
	"header": true,
	"footer": true,
	"form":   true,
}

// metadataAttrs is the whitelist of attributes copied into the metadata bag.
var metadataAttrs = []string{"href", "type", "name", "placeholder", "role", "aria-label"}

// InstanceResolver looks up live preview instances.
type InstanceResolver interface {
	Get(instanceID string) (*preview.PreviewInstance, bool)
}

// elementInfo is the metadata serialized onto each annotated element.
type elementInfo struct {
	Selector  string            `json:"selector"`
	Component string            `json:"component,omitempty"`
	ID        string            `json:"id,omitempty"`
	Class     string            `json:"class,omitempty"`
	Text      string            `json:"text,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Renderer fetches and annotates the HTML of a preview instance's tracked
// route.
type Renderer struct {
	resolver InstanceResolver
	tracker  *proxy.RouteTracker
	client   *http.Client
	logger   *slog.Logger
}

// NewRenderer creates a Renderer.
func NewRenderer(resolver InstanceResolver, tracker *proxy.RouteTracker, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		resolver: resolver,
		tracker:  tracker,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "InspectionRenderer"),
	}
}

// Render fetches the instance's current route (explicitPath wins over the
// tracked route, which defaults to "/"), annotates interactive elements and
// returns the instrumented document. Internal failures after the fetch
// degrade to returning the original HTML rather than erroring the request.
func (rd *Renderer) Render(ctx context.Context, instanceID, explicitPath string) (string, error) {
	inst, exists := rd.resolver.Get(instanceID)
	if !exists || inst.Status() != preview.StatusRunning {
		return "", ErrNotRunning
	}

	path := explicitPath
	if path == "" {
		path = rd.tracker.Get(instanceID)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	original, err := rd.fetch(ctx, inst.InternalURL+path)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s for inspection: %w", path, err)
	}

	annotated, err := rd.annotate(original, inst.ExternalURL)
	if err != nil {
		rd.logger.Warn("Inspection annotation failed, returning original markup",
			"instanceID", instanceID, "path", path, "error", err)
		return original, nil
	}

	rd.logger.Info("Rendered inspection snapshot", "instanceID", instanceID, "path", path)
	return annotated, nil
}

func (rd *Renderer) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := rd.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// annotate parses the document, strips <base> tags, classifies and annotates
// interactive elements, and rewrites URLs to the instance's public preview
// URL.
func (rd *Renderer) annotate(markup, publicBase string) (string, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", err
	}

	annotateTree(doc, publicBase, false)

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", err
	}
	return rewriteEndpointURLs(sb.String(), publicBase), nil
}

// annotateTree classifies and annotates elements depth-first. Hiddenness is
// inherited: everything inside a display:none container is hidden with it.
func annotateTree(n *html.Node, publicBase string, hidden bool) {
	if n.Type == html.ElementNode {
		stripBase(n)
		if isOwnMarkup(n) {
			return
		}
		hidden = hidden || isHidden(n)
		if !hidden {
			if matches(n) {
				annotateNode(n)
			}
			rewriteNodeURLs(n, publicBase)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		annotateTree(c, publicBase, hidden)
	}
}

// walk visits every node in the tree depth-first.
func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// stripBase removes <base> children; a pre-existing base tag corrupts
// relative-URL resolution in the snapshot.
func stripBase(n *html.Node) {
	var toRemove []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "base" {
			toRemove = append(toRemove, c)
		}
	}
	for _, c := range toRemove {
		n.RemoveChild(c)
	}
}

// matches reports whether the element is interactive or structural enough to
// surface in the picker.
func matches(n *html.Node) bool {
	if interactiveTags[n.Data] || structuralTags[n.Data] {
		return true
	}
	if n.Data == "a" && attr(n, "href") != "" {
		return true
	}
	if attr(n, "onclick") != "" || attr(n, "role") == "button" {
		return true
	}
	return false
}

// isHidden applies the statically determinable hiding heuristics: inline
// display:none / visibility:hidden and explicit zero dimensions.
func isHidden(n *html.Node) bool {
	style := strings.ReplaceAll(attr(n, "style"), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return true
	}
	if hasAttr(n, "hidden") || n.Data == "input" && attr(n, "type") == "hidden" {
		return true
	}
	if attr(n, "width") == "0" && attr(n, "height") == "0" {
		return true
	}
	return false
}

// isOwnMarkup skips markup injected by the proxy instrumentation.
func isOwnMarkup(n *html.Node) bool {
	for _, a := range n.Attr {
		if strings.HasPrefix(a.Key, "data-previewhub") {
			return true
		}
	}
	return false
}

func annotateNode(n *html.Node) {
	info := elementInfo{
		Selector:  stableSelector(n),
		ID:        attr(n, "id"),
		Class:     attr(n, "class"),
		Text:      truncate(textContent(n), 100),
		Component: componentName(n),
	}
	for _, key := range metadataAttrs {
		if v := attr(n, key); v != "" {
			if info.Attrs == nil {
				info.Attrs = make(map[string]string)
			}
			info.Attrs[key] = v
		}
	}

	serialized, err := json.Marshal(info)
	if err != nil {
		return
	}
	setAttr(n, annotationAttr, string(serialized))
}

// stableSelector synthesizes a selector a client can use to re-find the
// element: id first, then tag plus up to two classes, then the bare tag.
func stableSelector(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	classes := strings.Fields(attr(n, "class"))
	if len(classes) > 0 {
		if len(classes) > 2 {
			classes = classes[:2]
		}
		return n.Data + "." + strings.Join(classes, ".")
	}
	return n.Data
}

// componentName guesses a display name from test-id style attributes, falling
// back to a name derived from the element's text.
func componentName(n *html.Node) string {
	if v := attr(n, "data-testid"); v != "" {
		return v
	}
	if v := attr(n, "data-component"); v != "" {
		return v
	}
	words := strings.Fields(textContent(n))
	if len(words) == 0 {
		return ""
	}
	if len(words) > 3 {
		words = words[:3]
	}
	var sb strings.Builder
	for _, w := range words {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, w)
		if cleaned == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(cleaned[:1]) + strings.ToLower(cleaned[1:]))
	}
	return sb.String()
}

// rewriteNodeURLs points asset and navigation URLs at the public preview URL.
// The snapshot is standalone, not a live proxy session, so URLs resolve
// against the instance's external base directly.
func rewriteNodeURLs(n *html.Node, publicBase string) {
	for i, a := range n.Attr {
		if a.Key != "href" && a.Key != "src" && a.Key != "action" {
			continue
		}
		v := a.Val
		if v == "" || strings.HasPrefix(v, "#") || strings.HasPrefix(v, publicBase+"/") ||
			strings.Contains(v, "://") || strings.HasPrefix(v, "//") ||
			strings.HasPrefix(v, "mailto:") || strings.HasPrefix(v, "tel:") ||
			strings.HasPrefix(v, "data:") || strings.HasPrefix(v, "javascript:") {
			continue
		}
		if strings.HasPrefix(v, "/") {
			n.Attr[i].Val = publicBase + v
		} else {
			n.Attr[i].Val = publicBase + "/" + v
		}
	}
}

// rewriteEndpointURLs redirects loopback hot-reload/WebSocket endpoints in
// inline script text to the public preview URL.
func rewriteEndpointURLs(markup, publicBase string) string {
	replacements := []string{
		"ws://localhost:", "ws://127.0.0.1:", "http://localhost:", "http://127.0.0.1:",
	}
	for _, prefix := range replacements {
		for {
			idx := strings.Index(markup, prefix)
			if idx < 0 {
				break
			}
			end := idx + len(prefix)
			for end < len(markup) && markup[end] >= '0' && markup[end] <= '9' {
				end++
			}
			markup = markup[:idx] + publicBase + markup[end:]
		}
	}
	return markup
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// textContent returns the concatenated text of the node's subtree.
func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return strings.TrimSpace(sb.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
