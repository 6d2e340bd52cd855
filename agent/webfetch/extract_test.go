package webfetch

import (
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Acme Logistics - Freight Done Right</title></head>
<body>
<nav><a href="/pricing">Pricing</a></nav>
<article>
<h1>Freight Done Right</h1>
<p>Acme Logistics moves pallets across the Nordics with same-day dispatch.
We operate forty trucks out of three hubs and integrate directly with
customer ERPs for booking and tracking.</p>
<p>Founded in 2015, the company serves over two hundred recurring
customers in retail and light manufacturing.</p>
</article>
<footer>Copyright Acme</footer>
</body>
</html>`

func TestExtract(t *testing.T) {
	e := NewExtractor()

	page, err := e.Extract("https://acme.test/", []byte(samplePage))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if !strings.Contains(page.Title, "Acme Logistics") {
		t.Errorf("title = %q, want it to mention Acme Logistics", page.Title)
	}
	if !strings.Contains(page.Markdown, "same-day dispatch") {
		t.Errorf("markdown missing article text:\n%s", page.Markdown)
	}
	if strings.Contains(page.Markdown, "<p>") {
		t.Errorf("markdown still contains HTML:\n%s", page.Markdown)
	}
}

func TestExtract_FallbackOnUnparsableInput(t *testing.T) {
	e := NewExtractor()

	page, err := e.Extract("", []byte("<title>Plain</title><p>Just a fragment</p><script>alert(1)</script>"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(page.Markdown, "alert(1)") {
		t.Errorf("script content leaked into markdown: %s", page.Markdown)
	}
}

func TestCleanMarkdown(t *testing.T) {
	in := "# Title   \n\n\n\n\n\nBody\t\n"
	got := cleanMarkdown(in)
	if strings.Contains(got, "\n\n\n\n") {
		t.Errorf("excess blank lines kept: %q", got)
	}
	if strings.HasSuffix(got, " ") || strings.HasSuffix(got, "\t") {
		t.Errorf("trailing whitespace kept: %q", got)
	}
}
