package proxy

import (
	"fmt"
	"strings"
)

// injectMarker identifies our injected script block so the rewrite pass can
// detect an already-instrumented document and stay idempotent.
const injectMarker = "data-previewhub-inject"

// injectedScriptTemplate is the client-side instrumentation served with every
// proxied HTML page. Placeholders: base path, auth token, JSON array of asset
// prefixes. It must not depend on any page framework being loaded.
const injectedScriptTemplate = `<script %s="1">
(function() {
  var BASE = %q;
  var TOKEN = %q;
  var ASSET_PREFIXES = %s;

  function isProxied(path) {
    return path.indexOf(BASE) === 0;
  }
  function isAssetPath(path) {
    for (var i = 0; i < ASSET_PREFIXES.length; i++) {
      if (path.indexOf(ASSET_PREFIXES[i]) === 0) return true;
    }
    return false;
  }
  function logicalPath(path) {
    if (isProxied(path)) path = path.slice(BASE.length);
    if (path.charAt(0) !== '/') path = '/' + path;
    return path;
  }

  // Route dynamically loaded build chunks through the proxy.
  try {
    window.__webpack_public_path__ = BASE + '/';
    if (window.__NEXT_DATA__) {
      window.__NEXT_DATA__.assetPrefix = BASE;
    }
  } catch (e) {}

  // Fetch interceptor: build-output requests go through the proxy.
  var origFetch = window.fetch;
  window.fetch = function(input, init) {
    try {
      var url = (typeof input === 'string') ? input : input.url;
      if (url && url.charAt(0) === '/' && !isProxied(url) && isAssetPath(url)) {
        var proxied = BASE + url;
        input = (typeof input === 'string') ? proxied : new Request(proxied, input);
      }
    } catch (e) {}
    return origFetch.call(this, input, init);
  };

  // Click interceptor: same-origin navigations that skip the server (client
  // routing) still need to resolve inside the proxy path.
  document.addEventListener('click', function(ev) {
    var anchor = ev.target && ev.target.closest ? ev.target.closest('a[href]') : null;
    if (!anchor) return;
    var href = anchor.getAttribute('href');
    if (!href || href.charAt(0) !== '/' || href.indexOf('//') === 0) return;
    if (isProxied(href)) return;
    var rewritten = BASE + href;
    if (TOKEN && rewritten.indexOf('preview_token=') === -1) {
      rewritten += (rewritten.indexOf('?') === -1 ? '?' : '&') + 'preview_token=' + TOKEN;
    }
    anchor.setAttribute('href', rewritten);
  }, true);

  // Route-change watcher: report the logical route to the embedding parent so
  // the platform can track client-side navigation the server never sees.
  function reportRoute(path) {
    try {
      if (window.parent && window.parent !== window) {
        window.parent.postMessage({ type: 'previewhub:route', path: logicalPath(path) }, '*');
      }
    } catch (e) {}
  }
  var origPushState = history.pushState;
  history.pushState = function() {
    var result = origPushState.apply(this, arguments);
    reportRoute(location.pathname);
    return result;
  };
  var origReplaceState = history.replaceState;
  history.replaceState = function() {
    var result = origReplaceState.apply(this, arguments);
    reportRoute(location.pathname);
    return result;
  };
  window.addEventListener('popstate', function() { reportRoute(location.pathname); });
  window.addEventListener('hashchange', function() { reportRoute(location.pathname); });

  // Element-inspection responder for same-origin embedding.
  window.addEventListener('message', function(ev) {
    if (!ev.data || ev.data.type !== 'previewhub:inspect') return;
    var elements = [];
    var nodes = document.querySelectorAll('button, a[href], input, select, textarea, [role="button"], [onclick]');
    for (var i = 0; i < nodes.length && i < 200; i++) {
      var node = nodes[i];
      elements.push({
        tag: node.tagName.toLowerCase(),
        id: node.id || null,
        text: (node.textContent || '').trim().slice(0, 80)
      });
    }
    try {
      ev.source.postMessage({ type: 'previewhub:inspect-result', elements: elements }, '*');
    } catch (e) {}
  });
})();
</script>`

// buildInjectedScript renders the instrumentation block for one proxied page.
func buildInjectedScript(proxyBasePath, authToken string, assetPrefixes []string) string {
	quoted := make([]string, len(assetPrefixes))
	for i, p := range assetPrefixes {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	prefixJSON := "[" + strings.Join(quoted, ",") + "]"
	return fmt.Sprintf(injectedScriptTemplate, injectMarker, proxyBasePath, authToken, prefixJSON)
}
