package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	datePartsRe  = regexp.MustCompile(`(20\d{2})\D?([01]?\d)\D?([0-3]?\d)`)
)

const sanitizedMaxRunes = 80

// SanitizeText normalizes a string for use as a path segment: NFKC
// normalization, whitespace removed, anything outside letters/digits/
// underscore/hyphen stripped, trimmed of leading/trailing "._-", capped at
// 80 runes. Returns fallback when nothing survives.
func SanitizeText(value, fallback string) string {
	text := norm.NFKC.String(value)
	text = whitespaceRe.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, text)
	text = strings.Trim(text, "._-")
	if runes := []rune(text); len(runes) > sanitizedMaxRunes {
		text = string(runes[:sanitizedMaxRunes])
	}
	if text == "" {
		return fallback
	}
	return text
}

// TruncateRunes caps s at n runes (n <= 0 means no cap).
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"2006.01.02 15:04:05",
	"2006.01.02",
}

// ExtractPublishDate parses a lenient date string into ("2006", "2006-01-02"),
// falling back to a loose year/month/day scan and finally to
// ("UnknownYear", "UnknownDate").
func ExtractPublishDate(value string) (year, date string) {
	text := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.Format("2006"), t.Format("2006-01-02")
		}
	}
	if m := datePartsRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return m[1], fmt.Sprintf("%04d-%02d-%02d", y, mo, d)
	}
	return "UnknownYear", "UnknownDate"
}

// FormatSize renders a byte count using binary units, for log lines.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
