package kobo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Sync cursor headers. The request carries the previous page's token;
// the response signals continuation with syncContinue and a new token.
const (
	syncTokenHeader  = "x-kobo-synctoken"
	syncResultHeader = "x-kobo-sync"
	syncContinue     = "continue"
)

// wishlistPageSize matches the server default; set explicitly so page
// accounting never depends on a server-side default change.
const wishlistPageSize = 100

// libraryPage fetches one page of the library sync feed. An empty
// cursor starts the enumeration; the returned cursor is empty once the
// server has no more pages.
func (c *Client) libraryPage(ctx context.Context, cursor string) ([]Book, string, error) {
	endpoint, err := c.endpoint("library_sync")
	if err != nil {
		return nil, "", err
	}

	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("kobo: creating library sync request: %w", err)
		}

		if cursor != "" {
			req.Header.Set(syncTokenHeader, cursor)
		}

		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var items []syncItem
	if err := decodeJSON(resp.Body, &items); err != nil {
		return nil, "", fmt.Errorf("kobo: library sync page: %w", err)
	}

	next := ""
	if resp.Header.Get(syncResultHeader) == syncContinue {
		next = resp.Header.Get(syncTokenHeader)
	}

	books := make([]Book, 0, len(items))
	unknown := 0

	for i := range items {
		if items[i].NewEntitlement == nil {
			continue
		}

		b, ok := items[i].NewEntitlement.toBook()
		if !ok {
			unknown++
			continue
		}

		books = append(books, b)
	}

	if unknown > 0 {
		c.logger.Warn("skipped entitlements of unknown shape",
			slog.Int("count", unknown),
		)
	}

	return books, next, nil
}

// GetLibrary enumerates the user's full entitlement set by following
// the sync cursor until the server stops returning one. No filtering is
// applied here; callers decide what previews, locked, or finished
// entitlements mean to them.
func (c *Client) GetLibrary(ctx context.Context) ([]Book, error) {
	if !c.user.AuthReady() {
		return nil, fmt.Errorf("%w: user %s", ErrNotAuthenticated, c.user.Email)
	}

	c.logger.Info("enumerating library")

	var all []Book

	cursor := ""
	pages := 0

	for {
		books, next, err := c.libraryPage(ctx, cursor)
		if err != nil {
			return nil, err
		}

		all = append(all, books...)
		pages++

		c.logger.Debug("fetched library page",
			slog.Int("page", pages),
			slog.Int("page_books", len(books)),
			slog.Int("total_books", len(all)),
		)

		if next == "" {
			break
		}

		cursor = next
	}

	c.logger.Info("library enumeration complete",
		slog.Int("books", len(all)),
		slog.Int("pages", pages),
	)

	return all, nil
}

// WishlistItem is a normalized wishlist entry.
type WishlistItem struct {
	ProductID string
	Title     string
	Author    string
	Price     string
}

// wishlistResponse mirrors the wishlist page JSON.
type wishlistResponse struct {
	Items          []wishlistEntry `json:"Items"`
	TotalPageCount int             `json:"TotalPageCount"`
}

type wishlistEntry struct {
	CrossRevisionID string `json:"CrossRevisionId"`
	ProductMetadata *struct {
		Book *struct {
			Title        string `json:"Title"`
			Contributors string `json:"Contributors"`
			Price        *struct {
				Price    json.Number `json:"Price"`
				Currency string      `json:"Currency"`
			} `json:"Price"`
		} `json:"Book"`
	} `json:"ProductMetadata"`
}

func (e *wishlistEntry) toItem() WishlistItem {
	item := WishlistItem{ProductID: e.CrossRevisionID}

	if e.ProductMetadata == nil || e.ProductMetadata.Book == nil {
		return item
	}

	book := e.ProductMetadata.Book
	item.Title = book.Title
	item.Author = book.Contributors

	if book.Price != nil {
		item.Price = fmt.Sprintf("%s %s", book.Price.Price, book.Price.Currency)
	}

	return item
}

// GetWishlist enumerates the user's wishlist. Unlike the library feed
// this endpoint uses page-index pagination: it terminates when the
// current index reaches the server-reported total page count.
func (c *Client) GetWishlist(ctx context.Context) ([]WishlistItem, error) {
	if !c.user.AuthReady() {
		return nil, fmt.Errorf("%w: user %s", ErrNotAuthenticated, c.user.Email)
	}

	endpoint, err := c.endpoint("user_wishlist")
	if err != nil {
		return nil, err
	}

	var items []WishlistItem

	for pageIndex := 0; ; pageIndex++ {
		resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return nil, fmt.Errorf("kobo: creating wishlist request: %w", err)
			}

			q := url.Values{
				"PageIndex": {strconv.Itoa(pageIndex)},
				"PageSize":  {strconv.Itoa(wishlistPageSize)},
			}
			req.URL.RawQuery = q.Encode()

			return req, nil
		})
		if err != nil {
			return nil, err
		}

		var page wishlistResponse
		err = decodeJSON(resp.Body, &page)
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("kobo: wishlist page %d: %w", pageIndex, err)
		}

		for i := range page.Items {
			items = append(items, page.Items[i].toItem())
		}

		if pageIndex+1 >= page.TotalPageCount {
			break
		}
	}

	c.logger.Debug("wishlist enumeration complete", slog.Int("items", len(items)))

	return items, nil
}

// bookInfoEndpoints are tried in order: the ebook metadata endpoint
// first, the audiobook one when that fails.
var bookInfoEndpoints = []string{"book", "audiobook"}

// GetBookInfo fetches the store metadata for one product. The product
// type is not known up front, so the ebook endpoint is tried first and
// the audiobook endpoint on any HTTP failure.
func (c *Client) GetBookInfo(ctx context.Context, productID string) (map[string]any, error) {
	var lastErr error

	for _, name := range bookInfoEndpoints {
		endpoint, err := c.endpoint(name)
		if err != nil {
			return nil, err
		}

		resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, expandProductID(endpoint, productID), http.NoBody)
		})
		if err != nil {
			lastErr = err
			continue
		}

		var info map[string]any
		err = decodeJSON(resp.Body, &info)
		resp.Body.Close()

		if err != nil {
			return nil, err
		}

		return info, nil
	}

	return nil, fmt.Errorf("kobo: book info for %s: %w", productID, lastErr)
}

// expandProductID substitutes the product id into an endpoint template.
func expandProductID(template, productID string) string {
	return strings.ReplaceAll(template, "{ProductId}", url.PathEscape(productID))
}
