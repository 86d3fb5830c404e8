package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ProgressCallback receives download progress. total is -1 when the
// server did not send a Content-Length.
type ProgressCallback func(downloaded, total int64)

// downloader fetches release assets. Archives run to tens of megabytes,
// so the timeout is generous and progress is surfaced to the caller.
type downloader struct {
	client *http.Client
}

func newDownloader() *downloader {
	return &downloader{client: &http.Client{Timeout: 10 * time.Minute}}
}

// fetch streams url into dest, removing the partial file on failure.
func (d *downloader) fetch(ctx context.Context, url, dest string, progress ProgressCallback) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: server returned %d", ErrDownloadFailed, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	var body io.Reader = resp.Body
	if progress != nil {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, report: progress}
	}

	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// progressReader reports cumulative bytes read after every chunk.
type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report ProgressCallback
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.report(p.read, p.total)
	}
	return n, err
}

// fileChecksum returns the lowercase hex SHA-256 of the file at path.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyChecksum compares the file's SHA-256 against want, ignoring case.
func verifyChecksum(path, want string) error {
	got, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// parseChecksums reads a GoReleaser checksums.txt: one "<sha256>  <name>"
// pair per line. Lines that do not carry a 64-digit hex hash are skipped.
func parseChecksums(content string) (map[string]string, error) {
	sums := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sum, name := fields[0], fields[1]
		if !isHexDigest(sum) {
			continue
		}
		sums[strings.TrimPrefix(name, "*")] = strings.ToLower(sum)
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("%w: checksum file contained no entries", ErrChecksumMismatch)
	}
	return sums, nil
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
