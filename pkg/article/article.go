// Package article turns web pages into lesson text.
package article

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
)

// Article is the readable part of a page.
type Article struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Text     string `json:"text"`
}

// Extract strips ruby annotations from html and runs readability over it.
// pageURL resolves relative links and may be empty.
func Extract(html []byte, pageURL string) (*Article, error) {
	var base *url.URL
	if pageURL != "" {
		u, err := url.Parse(pageURL)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", pageURL, err)
		}
		base = u
	}
	parsed, err := readability.FromReader(bytes.NewReader(SanitizeRuby(html)), base)
	if err != nil {
		return nil, fmt.Errorf("failed to extract article: %w", err)
	}
	return &Article{
		URL:      pageURL,
		Title:    strings.TrimSpace(parsed.Title),
		Byline:   strings.TrimSpace(parsed.Byline),
		SiteName: strings.TrimSpace(parsed.SiteName),
		Text:     Reflow(parsed.TextContent),
	}, nil
}

// Reflow puts each sentence of text on its own line and drops blank ones.
func Reflow(text string) string {
	var lines []string
	for _, s := range splitSentences(text) {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		// 。(3002), ！(FF01), ？(FF1F)
		if r == '。' || r == '！' || r == '？' || r == '\n' {
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}

var (
	// (?s) allows dot to match newlines
	// (?i) makes it case-insensitive
	reRT = regexp.MustCompile(`(?si)<rt\b[^>]*>.*?</rt>`)
	reRP = regexp.MustCompile(`(?si)<rp\b[^>]*>.*?</rp>`)
)

// SanitizeRuby removes ruby text (<rt>...</rt>) and ruby parentheses (<rp>...</rp>)
// from HTML content. Readability keeps furigana as text, so "漢字" would
// otherwise become "漢字かんじ".
// This function operates on bytes and is safe for Shift_JIS as well,
// because <, >, r, t, p are ASCII and < is not a trailing byte in Shift_JIS.
func SanitizeRuby(content []byte) []byte {
	cleaned := reRT.ReplaceAll(content, []byte{})
	cleaned = reRP.ReplaceAll(cleaned, []byte{})
	return cleaned
}
