package adapters

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/stlhound/stlhound/search"
)

// Thingiverse fetches listings over plain HTTP: its search results are
// server-rendered, so no browser session is needed for this source.
type Thingiverse struct {
	client *http.Client
	logger *slog.Logger
}

// ThingiverseOption configures the adapter.
type ThingiverseOption func(*Thingiverse)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ThingiverseOption {
	return func(t *Thingiverse) { t.client = c }
}

// NewThingiverse creates the Thingiverse adapter.
func NewThingiverse(opts ...ThingiverseOption) *Thingiverse {
	t := &Thingiverse{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Thingiverse) Source() search.Source { return search.SourceThingiverse }

// Fetch GETs the search page and walks the server-rendered card markup.
func (t *Thingiverse) Fetch(ctx context.Context, query string) (raw []search.RawListing, err error) {
	defer guard(&err)

	pageURL := "https://www.thingiverse.com/search?q=" + url.QueryEscape(query) + "&type=things&sort=relevant"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("thingiverse: new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("thingiverse: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("thingiverse: status %d", resp.StatusCode)
	}

	// Cap the read; search pages are well under this.
	return parseThingiverse(io.LimitReader(resp.Body, 10<<20))
}

// parseThingiverse extracts listing cards from the search results markup.
// Cards are anchors linking to /thing:<id>; metadata sits in descendant
// nodes whose (hashed) class names keep stable prefixes.
func parseThingiverse(r io.Reader) ([]search.RawListing, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("thingiverse: parse: %w", err)
	}
	base, _ := url.Parse("https://www.thingiverse.com")

	var out []search.RawListing
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if strings.Contains(href, "/thing:") && !strings.Contains(href, "#") {
				full := absURL(base, href)
				if !seen[full] {
					seen[full] = true
					out = append(out, listingFromCard(n, base, full))
				}
				return // card subtree handled
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

// listingFromCard reads title, thumbnail, author and counters from the
// card anchor's subtree.
func listingFromCard(card *html.Node, base *url.URL, sourceURL string) search.RawListing {
	l := search.RawListing{SourceURL: sourceURL}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			class := attr(n, "class")
			switch {
			case n.Data == "img":
				if l.ThumbnailURL == "" {
					l.ThumbnailURL = absURL(base, attr(n, "src"))
				}
				if l.Title == "" {
					l.Title = strings.TrimSpace(attr(n, "alt"))
				}
			case strings.Contains(class, "ThingCardBody__cardBodyName"):
				l.Title = textOf(n)
			case strings.Contains(class, "ThingCardHeader__creatorName"):
				l.Author = textOf(n)
			case strings.Contains(class, "CardActionItem__textWrapper"):
				count := parseCount(textOf(n))
				label := strings.ToLower(attr(n.Parent, "aria-label"))
				switch {
				case strings.Contains(label, "like"):
					l.Likes = count
				case strings.Contains(label, "download") || strings.Contains(label, "collect"):
					l.Downloads = count
				case l.Likes == 0:
					// Unlabelled counters appear likes-first.
					l.Likes = count
				default:
					l.Downloads = count
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(card)
	return l
}

func attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
