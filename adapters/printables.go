package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stlhound/stlhound/browser"
	"github.com/stlhound/stlhound/search"
)

// printablesExtract pulls model cards out of the rendered search page.
// Printables is a full SPA; the listing grid only exists after JS runs,
// so extraction happens in the page itself and returns one JSON string.
const printablesExtract = `() => JSON.stringify(
	[...document.querySelectorAll('print-card, [data-testid="print-card"]')].map(card => {
		const link = card.querySelector('a[href*="/model/"]');
		const img = card.querySelector('img');
		const author = card.querySelector('[class*="user-name"], a[href*="/@"]');
		const likes = card.querySelector('[class*="likes"], [data-testid="like-count"]');
		const downloads = card.querySelector('[class*="downloads"], [data-testid="download-count"]');
		return {
			title: link ? link.textContent.trim() : '',
			href: link ? link.getAttribute('href') : '',
			thumb: img ? (img.currentSrc || img.src || '') : '',
			author: author ? author.textContent.trim() : '',
			likes: likes ? likes.textContent.trim() : '',
			downloads: downloads ? downloads.textContent.trim() : ''
		};
	}).filter(c => c.href)
)`

// Printables fetches listings from printables.com through the shared
// browser session.
type Printables struct {
	session *browser.Session
	logger  *slog.Logger
}

// NewPrintables creates the Printables adapter.
func NewPrintables(session *browser.Session) *Printables {
	return &Printables{session: session, logger: slog.Default()}
}

func (p *Printables) Source() search.Source { return search.SourcePrintables }

// Fetch renders the search page and extracts the listing grid.
func (p *Printables) Fetch(ctx context.Context, query string) (raw []search.RawListing, err error) {
	defer guard(&err)

	pageURL := "https://www.printables.com/search/models?q=" + url.QueryEscape(query)
	page, err := p.session.Page(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("printables: %w", err)
	}
	defer page.Close()

	res, err := page.Context(ctx).Eval(printablesExtract)
	if err != nil {
		return nil, fmt.Errorf("printables: extract: %w", err)
	}

	return decodeCards(search.SourcePrintables, "https://www.printables.com", res.Value.Str())
}

// cardData is the JSON shape every browser extraction script emits.
type cardData struct {
	Title     string `json:"title"`
	Href      string `json:"href"`
	Thumb     string `json:"thumb"`
	Author    string `json:"author"`
	Likes     string `json:"likes"`
	Downloads string `json:"downloads"`
}

// decodeCards parses extracted card JSON into the raw listing schema,
// resolving relative links against the source's base URL.
func decodeCards(src search.Source, baseURL, payload string) ([]search.RawListing, error) {
	var cards []cardData
	if err := json.Unmarshal([]byte(payload), &cards); err != nil {
		return nil, fmt.Errorf("%s: decode cards: %w", src, err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: base url: %w", src, err)
	}

	out := make([]search.RawListing, 0, len(cards))
	for _, c := range cards {
		out = append(out, search.RawListing{
			Title:        c.Title,
			SourceURL:    absURL(base, c.Href),
			ThumbnailURL: absURL(base, c.Thumb),
			Author:       c.Author,
			Likes:        parseCount(c.Likes),
			Downloads:    parseCount(c.Downloads),
		})
	}
	return out, nil
}
