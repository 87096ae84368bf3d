package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

const transferBufferSize = 64 << 10

// transfer downloads t.SourceURL into t.Path, retrying network failures up
// to RetryMax times. Each attempt resumes from the partial file.
func (m *DownloadManager) transfer(ctx context.Context, rec *downloadRecord, t domain.DownloadTask) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			m.logger.Warn("retrying transfer", "id", t.ID, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.RetryDelay):
			}
		}

		err := m.fetchOnce(ctx, rec, t)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, domain.ErrNetwork) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// fetchOnce performs one HTTP GET, appending to the partial file when the
// server honors the Range request.
func (m *DownloadManager) fetchOnce(ctx context.Context, rec *downloadRecord, t domain.DownloadTask) error {
	part := partPath(t.Path)

	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w: %w", domain.ErrParse, err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	var (
		total int64
		flags = os.O_CREATE | os.O_WRONLY
	)
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// Nothing left to fetch.
		return finishPart(part, t.Path)
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			os.Remove(part)
			return fmt.Errorf("unexpected content range %q: %w", resp.Header.Get("Content-Range"), domain.ErrNetwork)
		}
		total = size
		if total <= 0 && resp.ContentLength > 0 {
			total = offset + resp.ContentLength
		}
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// A full response replaces any partial data.
		offset = 0
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("download status %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("download status %d: %w", resp.StatusCode, domain.ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("download status %d: %w", resp.StatusCode, domain.ErrNetwork)
	default:
		return fmt.Errorf("download status %d: %w", resp.StatusCode, domain.ErrParse)
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", part, domain.ErrStorage, err)
	}

	received := offset
	m.reportProgress(rec, received, total)

	buf := make([]byte, transferBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w: %w", part, domain.ErrStorage, err)
			}
			received += int64(n)
			m.reportProgress(rec, received, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read body: %w: %w", domain.ErrNetwork, readErr)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w: %w", part, domain.ErrStorage, err)
	}

	if total > 0 && received < total {
		return fmt.Errorf("connection closed at %d of %d bytes: %w: %w", received, total, domain.ErrNetwork, io.ErrUnexpectedEOF)
	}
	return finishPart(part, t.Path)
}

func finishPart(part, target string) error {
	if err := os.Rename(part, target); err != nil {
		return fmt.Errorf("rename %s: %w: %w", part, domain.ErrStorage, err)
	}
	return nil
}

// parseContentRange parses "bytes start-end/size". size is -1 when unknown.
func parseContentRange(h string) (start, size int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, sizeStr, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	startStr, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if sizeStr == "*" {
		return start, -1, true
	}
	size, err = strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, size, true
}
