package extract

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMaxBytes caps sanitized output.
const DefaultMaxBytes = 1_000_000

const (
	linkStyle   = "color: #1a73e8; text-decoration: underline;"
	imageStyle  = "max-width: 100%; height: auto; margin: 10px 0;"
	tableStyle  = "width: 100%; border-collapse: collapse; margin: 15px 0;"
	cellStyle   = "border: 1px solid #ddd; padding: 8px;"
	headerStyle = "border: 1px solid #ddd; padding: 8px; background-color: #f2f2f2;"

	// DefaultImageAlt is set on images that carry no alt text.
	DefaultImageAlt = "Resource image"
)

// Rule pairs a selector with the rewrite applied to every match.
type Rule struct {
	Selector string
	Apply    func(*goquery.Selection)
}

var boilerplateTags = []string{"script", "style", "noscript", "header", "footer", "nav", "iframe"}

var boilerplateAttrs = []string{
	`[class*="header"]`, `[id*="header"]`,
	`[class*="footer"]`, `[id*="footer"]`,
	`[class*="navbar"]`, `[id*="navbar"]`,
	`[class*="menu"]`, `[id*="menu"]`,
	`[class*="sidebar"]`, `[id*="sidebar"]`,
	`[class*="ad-"]`, `[id*="ad-"]`,
	`[class*="banner"]`, `[id*="banner"]`,
	`[class*="cookie"]`, `[id*="cookie"]`,
	`[role*="banner"]`, `[role*="navigation"]`, `[role*="complementary"]`,
}

// mainSelectors are tried in order; the first document-order match wins.
var mainSelectors = []string{
	"article",
	"main",
	`[class*="content"]`,
	`[class*="main"]`,
	`[class*="post"]`,
	`[class*="entry"]`,
	`[id*="content"]`,
	`[id*="main"]`,
	`[id*="post"]`,
	`[id*="article"]`,
	`[role*="main"]`,
	`[itemprop*="articleBody"]`,
}

var displayRules = []Rule{
	{Selector: "a[href]", Apply: styleLink},
	{Selector: "img", Apply: styleImage},
	{Selector: "table", Apply: styleTable},
	{Selector: "table td", Apply: func(s *goquery.Selection) { s.SetAttr("style", cellStyle) }},
	{Selector: "table th", Apply: func(s *goquery.Selection) { s.SetAttr("style", headerStyle) }},
}

var leftoverBlocks = func() []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, tag := range []string{"script", "style", "noscript", "header", "footer", "nav"} {
		out = append(out, regexp.MustCompile(`(?is)<`+tag+`\b[^>]*>.*?</`+tag+`\s*>`))
	}
	return out
}()

// Sanitize parses raw HTML (malformed markup is tolerated), drops
// boilerplate, keeps the main content region, restyles it for display and
// returns at most maxBytes of HTML. An empty string means nothing readable
// was found. maxBytes <= 0 uses DefaultMaxBytes.
func Sanitize(r io.Reader, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	for _, tag := range boilerplateTags {
		doc.Find(tag).Remove()
	}
	for _, sel := range boilerplateAttrs {
		// The document shell stays even when a theme class mentions "header".
		doc.Find(sel).Not("html, body").Remove()
	}

	content := selectMain(doc)
	if content.Length() == 0 {
		return "", nil
	}
	for _, rule := range displayRules {
		content.Find(rule.Selector).Each(func(_ int, s *goquery.Selection) {
			rule.Apply(s)
		})
	}

	if strings.TrimSpace(content.Text()) == "" && content.Find("img").Length() == 0 {
		return "", nil
	}

	out, err := goquery.OuterHtml(content)
	if err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}
	for _, re := range leftoverBlocks {
		out = re.ReplaceAllString(out, "")
	}
	return truncate(out, maxBytes), nil
}

func selectMain(doc *goquery.Document) *goquery.Selection {
	for _, sel := range mainSelectors {
		if m := doc.Find(sel).First(); m.Length() > 0 {
			return m
		}
	}
	return doc.Find("body").First()
}

func styleLink(s *goquery.Selection) {
	href, _ := s.Attr("href")
	if href == "" {
		return
	}
	s.SetAttr("style", linkStyle)
	if !strings.HasPrefix(href, "http") && !strings.HasPrefix(href, "//") {
		s.SetAttr("target", "_blank")
	}
}

func styleImage(s *goquery.Selection) {
	s.SetAttr("style", imageStyle)
	if alt, _ := s.Attr("alt"); alt == "" {
		s.SetAttr("alt", DefaultImageAlt)
	}
}

func styleTable(s *goquery.Selection) {
	s.SetAttr("style", tableStyle)
	s.SetAttr("border", "1")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
