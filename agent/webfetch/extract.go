package webfetch

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Pre-compiled regexes for fallback cleanup when article extraction fails.
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Page is the readable reduction of a fetched web page.
type Page struct {
	Title    string
	SiteName string
	Excerpt  string
	Markdown string
}

// Extractor reduces raw HTML to readable markdown. Readability isolates
// the main article content; the markdown conversion then strips the
// remaining markup.
type Extractor struct {
	converter *md.Converter
}

// NewExtractor creates a page extractor.
func NewExtractor() *Extractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Extractor{converter: converter}
}

// Extract reduces a fetched page to markdown. pageURL guides relative
// link resolution and may be empty.
func (e *Extractor) Extract(pageURL string, body []byte) (*Page, error) {
	parsed, _ := url.Parse(pageURL)

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		// Readability gives up on some markup; fall back to converting the
		// whole document after stripping scripts and styles.
		return e.extractFallback(body)
	}

	markdown, err := e.converter.ConvertString(article.Content)
	if err != nil {
		return nil, fmt.Errorf("convert article to markdown: %w", err)
	}

	page := &Page{
		Title:    article.Title,
		SiteName: article.SiteName,
		Excerpt:  article.Excerpt,
		Markdown: cleanMarkdown(markdown),
	}
	if page.Title == "" {
		page.Title = extractHTMLTitle(body)
	}
	return page, nil
}

func (e *Extractor) extractFallback(body []byte) (*Page, error) {
	cleaned := scriptRe.ReplaceAllString(string(body), "")
	cleaned = styleRe.ReplaceAllString(cleaned, "")

	markdown, err := e.converter.ConvertString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("convert page to markdown: %w", err)
	}
	return &Page{
		Title:    extractHTMLTitle(body),
		Markdown: cleanMarkdown(markdown),
	}, nil
}

// extractHTMLTitle extracts the title element from HTML.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}

// cleanMarkdown collapses excess blank lines and trims trailing spaces.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
