package proxy

import (
	"strings"
	"testing"
)

const testBase = "/preview/proj-1/inst-1"

func TestRewriteAssetURLs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"Script src",
			`<script src="/assets/app.js"></script>`,
			`<script src="` + testBase + `/assets/app.js"></script>`,
		},
		{
			"Stylesheet href single quotes",
			`<link href='/static/main.css'>`,
			`<link href='` + testBase + `/static/main.css'>`,
		},
		{
			"Vite client",
			`<script src="/@vite/client"></script>`,
			`<script src="` + testBase + `/@vite/client"></script>`,
		},
		{
			"Next build output",
			`<script src="/_next/static/chunks/main.js"></script>`,
			`<script src="` + testBase + `/_next/static/chunks/main.js"></script>`,
		},
		{
			"Already prefixed is untouched",
			`<script src="` + testBase + `/assets/app.js"></script>`,
			`<script src="` + testBase + `/assets/app.js"></script>`,
		},
		{
			"Relative URL untouched",
			`<script src="assets/app.js"></script>`,
			`<script src="assets/app.js"></script>`,
		},
		{
			"External URL untouched",
			`<script src="https://cdn.example.com/lib.js"></script>`,
			`<script src="https://cdn.example.com/lib.js"></script>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rewriteAssetURLs(tt.in, testBase)
			if got != tt.want {
				t.Errorf("rewriteAssetURLs:\n got %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestRewriteNavLinks(t *testing.T) {
	got := rewriteNavLinks(`<a href="/pricing">Pricing</a>`, testBase, "tok123")
	want := `<a href="` + testBase + `/pricing?preview_token=tok123">Pricing</a>`
	if got != want {
		t.Errorf("rewriteNavLinks:\n got %s\nwant %s", got, want)
	}
}

func TestRewriteNavLinksAppendsToExistingQuery(t *testing.T) {
	got := rewriteNavLinks(`<a href="/search?q=x">go</a>`, testBase, "tok123")
	want := `<a href="` + testBase + `/search?q=x&preview_token=tok123">go</a>`
	if got != want {
		t.Errorf("rewriteNavLinks:\n got %s\nwant %s", got, want)
	}
}

func TestRewriteNavLinksSkips(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"Protocol-relative", `<a href="//example.com/page">x</a>`},
		{"Asset path", `<link href="/assets/app.css">`},
		{"Already proxied", `<a href="` + testBase + `/pricing?preview_token=tok123">x</a>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewriteNavLinks(tt.in, testBase, "tok123"); got != tt.in {
				t.Errorf("Expected %s to pass through, got %s", tt.in, got)
			}
		})
	}
}

func TestRewriteNavLinksWithoutToken(t *testing.T) {
	got := rewriteNavLinks(`<a href="/pricing">x</a>`, testBase, "")
	want := `<a href="` + testBase + `/pricing">x</a>`
	if got != want {
		t.Errorf("rewriteNavLinks without token:\n got %s\nwant %s", got, want)
	}
}

func TestInjectScriptPlacement(t *testing.T) {
	withHead := `<html><head><title>t</title></head><body></body></html>`
	out := injectScript(withHead, testBase, "tok")
	if !strings.Contains(out, injectMarker) {
		t.Fatal("Script block was not injected")
	}
	if strings.Index(out, injectMarker) > strings.Index(out, "</head>") {
		t.Error("Script should be injected before </head>")
	}

	noHead := `<html><body><p>hi</p></body></html>`
	out = injectScript(noHead, testBase, "tok")
	if strings.Index(out, injectMarker) > strings.Index(out, "</body>") {
		t.Error("Script should fall back to before </body>")
	}

	fragment := `<div>partial</div>`
	out = injectScript(fragment, testBase, "tok")
	if !strings.HasPrefix(out, fragment) || !strings.Contains(out, injectMarker) {
		t.Error("Script should be appended to bare fragments")
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	doc := `<html><head>
<link href="/assets/site.css" rel="stylesheet">
<script src="/@vite/client"></script>
</head><body>
<a href="/pricing">Pricing</a>
<a href="/docs?page=2">Docs</a>
<img src="/static/logo.png">
</body></html>`

	once := Rewrite(doc, testBase, "tok123")
	twice := Rewrite(once, testBase, "tok123")
	if once != twice {
		t.Errorf("Rewrite is not idempotent:\nonce:  %s\ntwice: %s", once, twice)
	}
}

func TestRewriteFullDocument(t *testing.T) {
	doc := `<html><head><link href="/assets/site.css"></head><body><a href="/about">About</a></body></html>`
	out := Rewrite(doc, testBase, "tok123")

	if !strings.Contains(out, testBase+`/assets/site.css`) {
		t.Error("Asset URL was not proxied")
	}
	if !strings.Contains(out, testBase+`/about?preview_token=tok123`) {
		t.Error("Nav link was not proxied with token")
	}
	if !strings.Contains(out, injectMarker) {
		t.Error("Instrumentation script was not injected")
	}
	if !strings.Contains(out, `"`+testBase+`"`) {
		t.Error("Injected script should embed the proxy base path")
	}
}

func TestIsAssetPath(t *testing.T) {
	if !isAssetPath("/_next/static/x.js") || !isAssetPath("/node_modules/react/index.js") {
		t.Error("Build output paths should classify as assets")
	}
	if isAssetPath("/pricing") || isAssetPath("/") {
		t.Error("Page paths should not classify as assets")
	}
}
