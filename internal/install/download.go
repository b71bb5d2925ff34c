package install

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowchartsman/retry"
	"github.com/rs/zerolog/log"
)

// Fetcher copies the body at url into dest.
type Fetcher interface {
	Fetch(ctx context.Context, url string, dest string) error
}

// permanentError marks a fetch failure another attempt cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Download stops retrying. Fetchers other than
// HTTPFetcher use it for failures such as a missing object.
func Permanent(err error) error { return permanentError{err: err} }

// HTTPFetcher downloads over HTTP(S). The body lands in a temp file next to
// dest and is renamed on success, so dest is never half written.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string, dest string) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidSpec, err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %s: status %d", ErrDownload, url, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Permanent(err)
		}
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Permanent(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return Permanent(err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return Permanent(err)
	}
	return nil
}

// Download places url at dest and verifies it against checksum. A cached
// dest that already matches is left alone and reported as unchanged. On a
// mismatch the file is removed and ErrChecksumMismatch returned.
func (i *Installer) Download(ctx context.Context, url string, checksum string, dest string) (bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return false, fmt.Errorf("%w: missing url", ErrInvalidSpec)
	}
	if _, err := os.Stat(dest); err == nil {
		if strings.TrimSpace(checksum) == "" {
			log.Debug().Str("path", dest).Msg("install cached download reused without checksum")
			return false, nil
		}
		if err := VerifyChecksum(dest, checksum); err == nil {
			log.Debug().Str("path", dest).Msg("install cached download matches checksum")
			return false, nil
		}
		log.Info().Str("path", dest).Msg("install cached download is stale, fetching again")
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	retrier := retry.NewRetrier(i.attempts, i.retryDelay, 30*i.retryDelay)
	attempt := 0
	var last error
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		attempt++
		log.Info().Str("url", url).Int("attempt", attempt).Msg("install downloading")
		last = i.fetcher.Fetch(ctx, url, dest)
		var p permanentError
		if errors.As(last, &p) {
			return retry.Stop(last)
		}
		return last
	})
	if err != nil {
		// retry hides Stop's cause; last keeps the sentinel chain intact
		return false, last
	}

	if strings.TrimSpace(checksum) != "" {
		if err := VerifyChecksum(dest, checksum); err != nil {
			if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return false, errors.Join(err, rmErr)
			}
			return false, err
		}
	}
	return true, nil
}

// ChecksumAlgorithm picks md5 for 32 hex characters and sha256 otherwise.
func ChecksumAlgorithm(checksum string) string {
	sum := strings.TrimSpace(checksum)
	if len(sum) == 32 && isHex(sum) {
		return "md5"
	}
	return "sha256"
}

// VerifyChecksum hashes path and compares it case-insensitively.
func VerifyChecksum(path string, checksum string) error {
	want := strings.ToLower(strings.TrimSpace(checksum))
	var h hash.Hash
	switch ChecksumAlgorithm(want) {
	case "md5":
		h = md5.New()
	default:
		h = sha256.New()
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: %s: want %s got %s", ErrChecksumMismatch, filepath.Base(path), want, got)
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
