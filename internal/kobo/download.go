package kobo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// downloadBufferSize bounds the copy buffer so large books stream
// through constant memory.
const downloadBufferSize = 256 * 1024

// downloadingSuffix marks in-flight temporary files. A completed
// download never leaves one behind.
const downloadingSuffix = ".downloading"

// foreignDrmSuffix marks sidecar files carrying DRM this client cannot
// strip. Third-party tooling is expected to consume them.
const foreignDrmSuffix = ".ade"

// DrmRemover strips vendor DRM from a downloaded file given the device
// identity and per-file content keys. The drm package provides the real
// implementation; defined at the consumer so the orchestrator stays
// decoupled from the cryptography.
type DrmRemover interface {
	Remove(deviceID, userID, inputPath, outputPath string, contentKeys map[string]string) error
}

// Download resolves a book and streams it to outputPath: a single file
// for ebooks, a directory of ordered part files for audiobooks. Vendor
// DRM is stripped via remover; foreign DRM is preserved as a sidecar
// file with the ".ade" suffix.
//
// Failure atomicity: on any error during fetch, classification, or DRM
// removal, the temporary file, the partially-written target, and any
// partially-written audiobook parts are removed before the error
// propagates. A file at outputPath exists only when it is complete.
func (c *Client) Download(ctx context.Context, book *Book, outputPath string, remover DrmRemover, progress io.Writer) (err error) {
	desc, err := c.Resolve(ctx, book)
	if err != nil {
		return err
	}

	tmpPath := outputPath + downloadingSuffix

	var partPaths []string

	defer func() {
		if err == nil {
			return
		}

		removeIfFile(tmpPath)
		removeIfFile(outputPath)

		for _, p := range partPaths {
			removeIfFile(p)
		}
	}()

	if book.Type == TypeAudiobook {
		partPaths, err = c.downloadAudiobook(ctx, desc.URL, outputPath, progress)
		return err
	}

	if err = c.streamToFile(ctx, desc.URL, tmpPath, progress); err != nil {
		return err
	}

	switch desc.Drm {
	case DrmNone:
		// Atomic publish: the target appears fully-formed or not at all.
		if err = os.Rename(tmpPath, outputPath); err != nil {
			return fmt.Errorf("kobo: finalizing download: %w", err)
		}

	case DrmVendor:
		var keys map[string]string

		keys, err = c.ContentKeys(ctx, book.ProductID)
		if err != nil {
			return err
		}

		if err = remover.Remove(c.user.DeviceID, c.user.UserID, tmpPath, outputPath, keys); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDrm, book.ProductID, err)
		}

		if err = os.Remove(tmpPath); err != nil {
			return fmt.Errorf("kobo: removing temporary file: %w", err)
		}

	case DrmForeign:
		c.logger.Warn("unsupported foreign DRM, saving encrypted sidecar for third-party tools",
			slog.String("product_id", book.ProductID),
			slog.String("sidecar", outputPath+foreignDrmSuffix),
		)

		if err = copyFile(tmpPath, outputPath+foreignDrmSuffix); err != nil {
			return err
		}

		if err = os.Remove(tmpPath); err != nil {
			return fmt.Errorf("kobo: removing temporary file: %w", err)
		}
	}

	c.logger.Info("download complete",
		slog.String("product_id", book.ProductID),
		slog.String("drm", desc.Drm.String()),
	)

	return nil
}

// audiobookManifest mirrors the manifest the audiobook download URL
// serves: an ordered spine of part descriptors.
type audiobookManifest struct {
	Spine []spineEntry `json:"Spine"`
}

type spineEntry struct {
	ID            json.RawMessage `json:"Id"`
	URL           string          `json:"Url"`
	FileExtension string          `json:"FileExtension"`
}

// Spine fetches and orders the part list for an audiobook manifest URL.
func (c *Client) Spine(ctx context.Context, manifestURL string) ([]SpinePart, error) {
	resp, err := c.fetchPreAuth(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var manifest audiobookManifest
	if err := decodeJSON(resp.Body, &manifest); err != nil {
		return nil, fmt.Errorf("kobo: audiobook manifest: %w", err)
	}

	parts := make([]SpinePart, 0, len(manifest.Spine))

	for i := range manifest.Spine {
		idx, err := manifest.Spine[i].index()
		if err != nil {
			return nil, err
		}

		parts = append(parts, SpinePart{
			Index:         idx,
			URL:           manifest.Spine[i].URL,
			FileExtension: manifest.Spine[i].FileExtension,
		})
	}

	sort.Slice(parts, func(a, b int) bool { return parts[a].Index < parts[b].Index })

	return parts, nil
}

// index parses the spine id, which the server serves either as a JSON
// number or a quoted string.
func (e *spineEntry) index() (int, error) {
	s := string(e.ID)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}

	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: audiobook spine id %q is not numeric", ErrProtocol, s)
	}

	return idx, nil
}

// downloadAudiobook streams every spine part into the target directory
// as "<index+1>.<extension>". Returns the paths written so far so the
// caller's cleanup can remove partial results on error.
func (c *Client) downloadAudiobook(ctx context.Context, manifestURL, outputDir string, progress io.Writer) ([]string, error) {
	parts, err := c.Spine(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("kobo: creating audiobook directory: %w", err)
	}

	written := make([]string, 0, len(parts))

	for _, part := range parts {
		partPath := filepath.Join(outputDir, fmt.Sprintf("%d.%s", part.Index+1, part.FileExtension))
		written = append(written, partPath)

		if err := c.streamToFile(ctx, part.URL, partPath, progress); err != nil {
			return written, err
		}

		c.logger.Debug("audiobook part downloaded",
			slog.Int("part", part.Index+1),
			slog.Int("total", len(parts)),
		)
	}

	return written, nil
}

// streamToFile streams a pre-authenticated URL to disk through a
// bounded buffer.
func (c *Client) streamToFile(ctx context.Context, downloadURL, path string, progress io.Writer) error {
	resp, err := c.fetchPreAuth(ctx, downloadURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("kobo: creating %s: %w", path, err)
	}

	var dst io.Writer = f
	if progress != nil {
		dst = io.MultiWriter(f, progress)
	}

	buf := make([]byte, downloadBufferSize)

	if _, err := io.CopyBuffer(dst, resp.Body, buf); err != nil {
		f.Close()
		return fmt.Errorf("kobo: streaming to %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("kobo: closing %s: %w", path, err)
	}

	return nil
}

// fetchPreAuth GETs a pre-authenticated content URL. No bearer token is
// attached: the URL itself carries authorization, and it is never
// logged for the same reason.
func (c *Client) fetchPreAuth(ctx context.Context, downloadURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("kobo: creating content request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("kobo: content request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("kobo: fetching content: %w", err)
	}

	return checkResponse(resp)
}

// copyFile copies src to dst, creating or truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("kobo: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("kobo: creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("kobo: copying to %s: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("kobo: closing %s: %w", dst, err)
	}

	return nil
}

// removeIfFile deletes path when it exists and is a regular file.
// Directories (audiobook targets) are left alone.
func removeIfFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	_ = os.Remove(path)
}
