package unsubscribe

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Candidate is one discovered unsubscribe target with its ranking score.
type Candidate struct {
	URL   string
	Score int
}

var positiveTokens = []struct {
	token string
	score int
}{
	{"unsubscribe", 10},
	{"opt-out", 8},
	{"optout", 8},
	{"remove", 6},
	{"preferences", 5},
}

var negativeTokens = []string{
	"view", "forward", "social", "facebook", "twitter",
}

// anchorKeywords is the allowlist matched against hrefs and anchor text
// during HTML discovery.
var anchorKeywords = []string{"unsubscribe", "opt-out", "optout", "remove", "preferences"}

// HeaderTargets parses a structured List-Unsubscribe header value into its
// target URLs, in header order. Values look like
// "<https://example.com/unsub>, <mailto:unsub@example.com>".
func HeaderTargets(header string) []string {
	var targets []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "<")
		part = strings.TrimSuffix(part, ">")
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "mailto:") || isValidHTTPURL(part) {
			targets = append(targets, part)
		}
	}
	return targets
}

// Discover merges unsubscribe candidates from the structured header, HTML
// anchors and plain-text proximity search, deduplicates them and returns
// them ranked best first. A mailto: target is only returned when no http(s)
// candidate exists; callers surface it for manual action.
func Discover(listUnsubscribeHeader, bodyHTML, bodyText string) []string {
	seen := make(map[string]bool)
	var ordered []string

	add := func(target string) {
		if target == "" || seen[target] {
			return
		}
		seen[target] = true
		ordered = append(ordered, target)
	}

	// Header targets are exact and carry the highest trust.
	for _, target := range HeaderTargets(listUnsubscribeHeader) {
		add(target)
	}
	for _, target := range anchorsFromHTML(bodyHTML) {
		add(target)
	}
	for _, target := range urlsNearKeywords(bodyText) {
		add(target)
	}

	var mailtos []string
	var web []string
	for _, target := range ordered {
		if strings.HasPrefix(target, "mailto:") {
			mailtos = append(mailtos, target)
			continue
		}
		if isValidHTTPURL(target) {
			web = append(web, target)
		}
	}

	if len(web) > 0 {
		return Rank(web)
	}
	return mailtos
}

// Rank orders candidate URLs best first. The heuristic rewards
// unsubscribe-ish tokens, penalizes view/forward/social links and gives a
// small bonus to shorter URLs. Sorting is stable, so equal scores keep
// their discovery order.
func Rank(urls []string) []string {
	candidates := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		candidates = append(candidates, Candidate{URL: u, Score: scoreURL(u)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	ranked := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c.URL)
	}
	return ranked
}

func scoreURL(rawURL string) int {
	lower := strings.ToLower(rawURL)
	score := 0

	for _, pt := range positiveTokens {
		if strings.Contains(lower, pt.token) {
			score += pt.score
		}
	}
	for _, nt := range negativeTokens {
		if strings.Contains(lower, nt) {
			score -= 5
		}
	}

	// Short URLs tend to be direct endpoints rather than tracking chains.
	if len(rawURL) < 80 {
		score++
	}
	return score
}

// anchorsFromHTML walks the document and collects hrefs whose URL or
// anchor text matches the keyword allowlist.
func anchorsFromHTML(bodyHTML string) []string {
	if bodyHTML == "" {
		return nil
	}

	doc, err := html.Parse(strings.NewReader(bodyHTML))
	if err != nil {
		return nil
	}

	var found []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := ""
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = attr.Val
					break
				}
			}
			if href != "" && (matchesKeyword(href) || matchesKeyword(anchorText(n))) {
				found = append(found, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

func anchorText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func matchesKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range anchorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// urlsNearKeywords scans plain text for URLs within a small window of an
// unsubscribe keyword.
func urlsNearKeywords(bodyText string) []string {
	if bodyText == "" {
		return nil
	}

	const window = 300
	lower := strings.ToLower(bodyText)

	var found []string
	for _, kw := range anchorKeywords {
		idx := 0
		for {
			pos := strings.Index(lower[idx:], kw)
			if pos == -1 {
				break
			}
			pos += idx

			start := pos - window
			if start < 0 {
				start = 0
			}
			end := pos + window
			if end > len(bodyText) {
				end = len(bodyText)
			}

			for _, u := range extractURLs(bodyText[start:end]) {
				found = append(found, u)
			}

			idx = pos + len(kw)
		}
	}
	return found
}

func extractURLs(text string) []string {
	var urls []string
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, `<>()[]"',;`)
		trimmed := strings.TrimRight(field, ".")
		if isValidHTTPURL(trimmed) {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

func isValidHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
