package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stlhound/stlhound/browser"
	"github.com/stlhound/stlhound/search"
)

const makerworldExtract = `() => JSON.stringify(
	[...document.querySelectorAll('[data-trackid*="design-card"], [class*="design-card"]')].map(card => {
		const link = card.querySelector('a[href*="/models/"]');
		const img = card.querySelector('img');
		const author = card.querySelector('[class*="author"], [class*="user-nick"]');
		const likes = card.querySelector('[class*="like"] span, [class*="likeNum"]');
		const downloads = card.querySelector('[class*="download"] span, [class*="downloadNum"]');
		return {
			title: link ? (link.getAttribute('title') || link.textContent.trim()) : '',
			href: link ? link.getAttribute('href') : '',
			thumb: img ? (img.currentSrc || img.src || '') : '',
			author: author ? author.textContent.trim() : '',
			likes: likes ? likes.textContent.trim() : '',
			downloads: downloads ? downloads.textContent.trim() : ''
		};
	}).filter(c => c.href)
)`

// MakerWorld fetches listings from makerworld.com through the shared
// browser session.
type MakerWorld struct {
	session *browser.Session
	logger  *slog.Logger
}

// NewMakerWorld creates the MakerWorld adapter.
func NewMakerWorld(session *browser.Session) *MakerWorld {
	return &MakerWorld{session: session, logger: slog.Default()}
}

func (m *MakerWorld) Source() search.Source { return search.SourceMakerWorld }

// Fetch renders the search page and extracts the design grid.
func (m *MakerWorld) Fetch(ctx context.Context, query string) (raw []search.RawListing, err error) {
	defer guard(&err)

	pageURL := "https://makerworld.com/en/search/models?keyword=" + url.QueryEscape(query)
	page, err := m.session.Page(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("makerworld: %w", err)
	}
	defer page.Close()

	res, err := page.Context(ctx).Eval(makerworldExtract)
	if err != nil {
		return nil, fmt.Errorf("makerworld: extract: %w", err)
	}

	return decodeCards(search.SourceMakerWorld, "https://makerworld.com", res.Value.Str())
}
