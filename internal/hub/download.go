package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// fileMeta is what the resolve endpoint reports about one file.
type fileMeta struct {
	Commit string
	ETag   string
	Size   int64
}

func (c *Client) resolveURL(repoID, revision, name string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.cfg.Endpoint, repoID, url.PathEscape(revision), name)
}

func (c *Client) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "hfgen")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

// head asks the resolve endpoint for commit, etag and size without following
// the redirect to the CDN, where the repo headers are lost.
func (c *Client) head(ctx context.Context, repoID, revision, name string) (fileMeta, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.resolveURL(repoID, revision, name))
	if err != nil {
		return fileMeta{}, err
	}
	hc := *c.http
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := hc.Do(req)
	if err != nil {
		return fileMeta{}, fmt.Errorf("head %s: %w", name, err)
	}
	_ = resp.Body.Close()

	if err := statusError(resp, name); err != nil {
		return fileMeta{}, err
	}
	meta := fileMeta{
		Commit: resp.Header.Get("X-Repo-Commit"),
		ETag:   normalizeETag(firstNonEmpty(resp.Header.Get("X-Linked-Etag"), resp.Header.Get("ETag"))),
		Size:   -1,
	}
	if s := firstNonEmpty(resp.Header.Get("X-Linked-Size"), resp.Header.Get("Content-Length")); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			meta.Size = n
		}
	}
	if meta.ETag == "" {
		return fileMeta{}, fmt.Errorf("head %s: response carries no etag", name)
	}
	return meta, nil
}

func statusError(resp *http.Response, name string) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", name, ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		// The hub answers 401 for gated repos but 404 with this code for
		// repos that do not exist or are private without a token.
		if resp.Header.Get("X-Error-Code") == "GatedRepo" {
			return fmt.Errorf("%s: %w", name, ErrUnauthorized)
		}
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	default:
		return fmt.Errorf("%s: unexpected status %s", name, resp.Status)
	}
}

// download fetches the blob for meta into the cache, resuming a previous
// partial download when the server honours Range.
func (c *Client) download(ctx context.Context, rc repoCache, repoID, name string, meta fileMeta) error {
	dst := rc.blob(meta.ETag)
	if st, err := os.Stat(dst); err == nil && (meta.Size < 0 || st.Size() == meta.Size) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".incomplete"

	var offset int64
	if st, err := os.Stat(tmp); err == nil {
		offset = st.Size()
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.resolveURL(repoID, meta.Commit, name))
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp, name); err != nil {
		return err
	}
	flag := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flag |= os.O_APPEND
	case http.StatusOK:
		offset = 0
		flag |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		// Partial file is already complete or stale; start over next time.
		_ = os.Remove(tmp)
		return fmt.Errorf("download %s: range not satisfiable", name)
	default:
		return fmt.Errorf("download %s: unexpected status %s", name, resp.Status)
	}

	f, err := os.OpenFile(tmp, flag, 0o644)
	if err != nil {
		return err
	}
	total := meta.Size
	if total < 0 && resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	n, copyErr := c.copyWithProgress(f, resp.Body, name, offset, total)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("download %s: %w", name, copyErr)
	}
	if meta.Size >= 0 && offset+n != meta.Size {
		return fmt.Errorf("download %s: got %d bytes, want %d", name, offset+n, meta.Size)
	}
	return os.Rename(tmp, dst)
}

func (c *Client) copyWithProgress(dst io.Writer, src io.Reader, name string, offset, total int64) (int64, error) {
	buf := make([]byte, 256<<10)
	limiter := rate.NewLimiter(rate.Every(c.cfg.ProgressInterval), 1)
	limiter.Allow()
	start := time.Now()

	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if c.downloaded != nil {
				c.downloaded.Add(float64(n))
			}
			if limiter.Allow() {
				c.logProgress(name, offset+written, total, written, time.Since(start))
			}
		}
		if errors.Is(err, io.EOF) {
			c.logProgress(name, offset+written, total, written, time.Since(start))
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

func (c *Client) logProgress(name string, done, total, fresh int64, elapsed time.Duration) {
	args := []any{"file", name, "bytes", done}
	if total > 0 {
		args = append(args, "total", total, "pct", strconv.FormatFloat(100*float64(done)/float64(total), 'f', 1, 64))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		args = append(args, "mib_per_s", strconv.FormatFloat(float64(fresh)/secs/(1<<20), 'f', 2, 64))
	}
	c.log.Info("download progress", args...)
}

func normalizeETag(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	return strings.Trim(s, `"`)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
