package proxy

import (
	"regexp"
	"strings"
)

// AssetPrefixes are the absolute path prefixes treated as framework build
// output or dev-tooling assets. Requests and markup URLs under these
// prefixes are routed through the proxy without authentication and without
// navigation-link token rewriting.
var AssetPrefixes = []string{
	"/_next/",
	"/assets/",
	"/static/",
	"/@vite/",
	"/@react-refresh",
	"/node_modules/",
	"/src/",
}

var (
	assetURLPattern = regexp.MustCompile(`(src|href)=("|')(/[^"']*)("|')`)
	navLinkPattern  = regexp.MustCompile(`href=("|')(/[^"']*)("|')`)
	headClosePat    = regexp.MustCompile(`(?i)</head>`)
	bodyClosePat    = regexp.MustCompile(`(?i)</body>`)
)

// isAssetPath reports whether an absolute path points at build output or
// dev-tooling rather than a navigable page.
func isAssetPath(path string) bool {
	for _, prefix := range AssetPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Rewrite transforms an HTML document so that all of its traffic stays inside
// the proxy path. The passes are string/regex transforms (streaming-friendly,
// no DOM parse) and each is idempotent: applying Rewrite to its own output is
// a no-op.
func Rewrite(html, proxyBasePath, authToken string) string {
	html = rewriteAssetURLs(html, proxyBasePath)
	html = rewriteNavLinks(html, proxyBasePath, authToken)
	html = injectScript(html, proxyBasePath, authToken)
	return html
}

// rewriteAssetURLs prefixes build-output asset URLs in src= and href=
// attributes with the proxy base path. Already-prefixed URLs are skipped.
func rewriteAssetURLs(html, proxyBasePath string) string {
	return assetURLPattern.ReplaceAllStringFunc(html, func(match string) string {
		parts := assetURLPattern.FindStringSubmatch(match)
		attr, quote, path := parts[1], parts[2], parts[3]
		if strings.HasPrefix(path, proxyBasePath+"/") || !isAssetPath(path) {
			return match
		}
		return attr + "=" + quote + proxyBasePath + path + quote
	})
}

// rewriteNavLinks rewrites same-origin absolute navigation links to resolve
// inside the proxy path, carrying the auth token as a query parameter since
// browsers do not attach custom headers to markup-driven navigation.
func rewriteNavLinks(html, proxyBasePath, authToken string) string {
	return navLinkPattern.ReplaceAllStringFunc(html, func(match string) string {
		parts := navLinkPattern.FindStringSubmatch(match)
		quote, path := parts[1], parts[2]
		if strings.HasPrefix(path, "//") ||
			strings.HasPrefix(path, proxyBasePath+"/") || path == proxyBasePath ||
			isAssetPath(path) {
			return match
		}
		rewritten := proxyBasePath + path
		if authToken != "" && !strings.Contains(rewritten, "preview_token=") {
			sep := "?"
			if strings.Contains(rewritten, "?") {
				sep = "&"
			}
			rewritten += sep + "preview_token=" + authToken
		}
		return "href=" + quote + rewritten + quote
	})
}

// injectScript appends the client instrumentation block before </head>,
// falling back to </body> and finally to the end of the document. A document
// that already carries the block is left untouched.
func injectScript(html, proxyBasePath, authToken string) string {
	if strings.Contains(html, injectMarker) {
		return html
	}
	script := buildInjectedScript(proxyBasePath, authToken, AssetPrefixes)

	if loc := headClosePat.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + script + html[loc[0]:]
	}
	if loc := bodyClosePat.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + script + html[loc[0]:]
	}
	return html + script
}
