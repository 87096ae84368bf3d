package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

// SanitizeFilename replaces characters that are unsafe in file names.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "download"
	}
	return out
}

// FormatBytes renders n with a binary unit, e.g. "1.5 GB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatETA estimates the remaining time at bytesPerSec. It returns "--"
// when the rate or total is unknown.
func FormatETA(received, total int64, bytesPerSec float64) string {
	if total <= 0 || bytesPerSec <= 0 || received >= total {
		return "--"
	}
	d := time.Duration(float64(total-received)/bytesPerSec) * time.Second
	h := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, mins)
	}
	return fmt.Sprintf("%dm%02ds", mins, secs)
}

func sortTasks(tasks []domain.DownloadTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
