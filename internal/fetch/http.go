package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/charmbracelet/log"
)

// DefaultMaxBytes caps how much of a response body is written to disk.
const DefaultMaxBytes int64 = 4 << 30

// HTTP streams an image from a URL. Interrupted transfers are retried and
// resumed with a Range request when the server supports it.
type HTTP struct {
	Client    *http.Client
	MaxBytes  int64
	Policy    retry.Policy
	SHA256    string
	UserAgent string
	Logger    *log.Logger
}

func (h *HTTP) Fetch(ctx context.Context, url, dest string, force bool) error {
	skip, err := Skip(dest, force)
	if err != nil {
		return &FetchError{Source: "http", Identifier: url, Destination: dest, Err: err}
	}
	if skip {
		h.logger().Info("image already present, skipping download", "path", dest)
		return nil
	}
	if _, err := h.Download(ctx, url, dest); err != nil {
		return &FetchError{Source: "http", Identifier: url, Destination: dest, Err: err}
	}
	return nil
}

func (h *HTTP) logger() *log.Logger {
	if h.Logger == nil {
		return log.New(io.Discard)
	}
	return h.Logger
}

// Download writes url to dest unconditionally and returns the byte count.
func (h *HTTP) Download(ctx context.Context, url, dest string) (int64, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := h.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	policy := h.Policy
	if policy.Attempts == 0 {
		policy = retry.DownloadPolicy
	}
	logger := h.logger()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory %q: %w", filepath.Dir(dest), err)
	}
	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create partial download %q: %w", part, err)
	}
	defer func() {
		_ = out.Close()
		_ = os.Remove(part)
	}()

	var written int64
	err = retry.Do(ctx, policy, func(attempt int) error {
		if written >= limit {
			return nil
		}
		res, err := h.get(ctx, client, url, written)
		if err != nil {
			logger.Warn("download request failed", "attempt", attempt+1, "error", err)
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusPartialContent:
		case res.StatusCode == http.StatusOK:
			if written > 0 {
				logger.Warn("server ignored range request, restarting download", "discarded", written)
				if err := out.Truncate(0); err != nil {
					return retry.Permanent(err)
				}
				if _, err := out.Seek(0, io.SeekStart); err != nil {
					return retry.Permanent(err)
				}
				written = 0
			}
		default:
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
			statusErr := fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
			if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
				return retry.Permanent(statusErr)
			}
			return statusErr
		}

		if res.ContentLength > limit-written {
			logger.Warn("response exceeds byte limit, truncating", "limit", limit)
		}
		total := int64(-1)
		if res.ContentLength >= 0 {
			total = written + res.ContentLength
		}
		n, copyErr := io.Copy(out, newProgressReader(res.Body, limit-written, written, total, logger))
		written += n
		if copyErr != nil {
			logger.Warn("download interrupted", "attempt", attempt+1, "written", written, "error", copyErr)
			return copyErr
		}
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("download %s: %w", redactURL(url), err)
	}
	if err := out.Sync(); err != nil {
		return written, err
	}

	if h.SHA256 != "" {
		got, err := fileSHA256(part)
		if err != nil {
			return written, err
		}
		if !strings.EqualFold(got, h.SHA256) {
			return written, fmt.Errorf("checksum mismatch for %s: got %s want %s", redactURL(url), got, h.SHA256)
		}
	}
	if err := os.Rename(part, dest); err != nil {
		return written, fmt.Errorf("store download %q: %w", dest, err)
	}
	return written, nil
}

func (h *HTTP) get(ctx context.Context, client *http.Client, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	ua := h.UserAgent
	if ua == "" {
		ua = "cvm-tools"
	}
	req.Header.Set("User-Agent", ua)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return client.Do(req)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// redactURL drops the query string, which carries SAS tokens for Azure
// exports.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?<redacted>"
	}
	return raw
}
