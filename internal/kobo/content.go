package kobo

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// contentAccessResponse mirrors the content-access endpoint JSON. The
// endpoint answers with both the URL variant list and the content keys
// needed for vendor DRM removal.
type contentAccessResponse struct {
	ContentKeys  []contentKey     `json:"ContentKeys"`
	ContentURLs  []contentVariant `json:"ContentUrls"`
	DownloadURLs []contentVariant `json:"DownloadUrls"`
}

type contentKey struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

func (r *contentAccessResponse) variants() []contentVariant {
	if len(r.ContentURLs) > 0 {
		return r.ContentURLs
	}

	return r.DownloadURLs
}

// contentAccess calls the content-access endpoint for one product.
func (c *Client) contentAccess(ctx context.Context, productID string) (*contentAccessResponse, error) {
	endpoint, err := c.endpoint("content_access_book")
	if err != nil {
		return nil, err
	}

	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, expandProductID(endpoint, productID), http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("kobo: creating content access request: %w", err)
		}

		req.URL.RawQuery = url.Values{"DisplayProfile": {displayProfile}}.Encode()

		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed contentAccessResponse
	if err := decodeJSON(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("kobo: content access for %s: %w", productID, err)
	}

	return &parsed, nil
}

// Resolve maps a book to its download descriptor. Ebook variants come
// from the content-access endpoint; audiobook variants arrive inline
// with the sync record, so no extra call is made for them.
//
// The first variant in server order with a usable URL wins. The server
// ordering may be semantically meaningful, so no smarter selection is
// attempted. The bookkeeping query parameter "b" is stripped from the
// chosen URL before use.
func (c *Client) Resolve(ctx context.Context, book *Book) (*Descriptor, error) {
	variants := book.variants

	if book.Type != TypeAudiobook {
		access, err := c.contentAccess(ctx, book.ProductID)
		if err != nil {
			return nil, err
		}

		variants = access.variants()
	}

	return selectVariant(book.ProductID, variants)
}

// selectVariant applies the first-usable-URL policy to a variant list.
// An absent or empty list is the archived-book signature: the item must
// be unarchived on the vendor's website before it can be downloaded.
func selectVariant(productID string, variants []contentVariant) (*Descriptor, error) {
	if len(variants) == 0 {
		return nil, &ContentError{
			ProductID: productID,
			Reason:    "no download URLs; archived books must be unarchived on the vendor website first",
		}
	}

	for i := range variants {
		downloadURL := variants[i].downloadURL()
		if downloadURL == "" {
			continue
		}

		cleaned, err := stripQueryParam(downloadURL, "b")
		if err != nil {
			return nil, err
		}

		return &Descriptor{
			URL: cleaned,
			Drm: classifyDrm(variants[i].drmType()),
		}, nil
	}

	formats := make([]string, 0, len(variants))
	for i := range variants {
		formats = append(formats, fmt.Sprintf("DRMType: %q, UrlFormat: %q", variants[i].drmType(), variants[i].URLFormat))
	}

	return nil, &ContentError{
		ProductID: productID,
		Reason:    "no variant with a usable download URL",
		Formats:   formats,
	}
}

// ContentKeys fetches the per-file decryption keys for a vendor-DRM
// product. Only meaningful when Resolve classified the item as
// DrmVendor.
func (c *Client) ContentKeys(ctx context.Context, productID string) (map[string]string, error) {
	access, err := c.contentAccess(ctx, productID)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(access.ContentKeys))
	for _, k := range access.ContentKeys {
		keys[k.Name] = k.Value
	}

	c.logger.Debug("fetched content keys",
		slog.String("product_id", productID),
		slog.Int("keys", len(keys)),
	)

	return keys, nil
}
