// Package brl converts Brazilian-formatted numeric, currency, and date
// text to machine types and back. All functions are total: they never
// return errors, because they run inline inside the extraction and
// classification hot paths.
package brl

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	currencyRe = regexp.MustCompile(`[Rr]\$\s*`)
	spaceRe    = regexp.MustCompile(`\s+`)

	// brNumberRe matches a well-formed Brazilian number: dot-separated
	// thousands groups and a comma decimal part.
	brNumberRe = regexp.MustCompile(`-?\d{1,3}(?:\.\d{3})*(?:,\d+)?`)
	// looseNumberRe matches any digit run with an optional separator.
	looseNumberRe = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
	nonNumericRe  = regexp.MustCompile(`[^0-9,.\-]`)

	dateTimeRe = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})(?:\s+(\d{2}):(\d{2})(?::(\d{2}))?)?`)
)

// ParseAmount converts text like "R$ 1.234,56" to 1234.56. Empty or
// unparseable input yields 0.
func ParseAmount(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	cleaned := currencyRe.ReplaceAllString(s, "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = spaceRe.ReplaceAllString(cleaned, "")
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return n
}

// CleanNumber pulls a Brazilian-formatted numeric substring out of
// messier receipt text such as "Qtde.:2" or "Vl. Unit.:   4,69".
// It prefers a well-formed Brazilian number, then any digit run, then
// a character-level strip; in each case the last match wins, which
// skips prefixed labels and item codes.
func CleanNumber(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if m := brNumberRe.FindAllString(s, -1); len(m) > 0 {
		return m[len(m)-1]
	}
	if m := looseNumberRe.FindAllString(s, -1); len(m) > 0 {
		return m[len(m)-1]
	}
	return nonNumericRe.ReplaceAllString(s, "")
}

// FormatCurrency renders a number as "R$ 1.234,56": two fixed
// decimals, a dot every three integer digits, a comma before decimals.
func FormatCurrency(n float64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := strconv.FormatFloat(n, 'f', 2, 64)
	intPart, decPart, _ := strings.Cut(s, ".")

	var groups []string
	for len(intPart) > 3 {
		groups = append([]string{intPart[len(intPart)-3:]}, groups...)
		intPart = intPart[:len(intPart)-3]
	}
	groups = append([]string{intPart}, groups...)

	body := strings.Join(groups, ".") + "," + decPart
	if neg {
		return "R$ -" + body
	}
	return "R$ " + body
}

// ParseDateTime finds a dd/mm/yyyy[ hh:mm[:ss]] pattern in s and
// returns the corresponding local time. The second return value is
// false when no pattern is present or the date is not a real calendar
// date (e.g. 31/02/2025).
func ParseDateTime(s string) (time.Time, bool) {
	m := dateTimeRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	var hour, minute, sec int
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
		if m[6] != "" {
			sec, _ = strconv.Atoi(m[6])
		}
	}
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.Local)
	// time.Date normalizes overflow, so 31/02 silently becomes 02/03 or
	// 03/03. Reject anything that moved.
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year {
		return time.Time{}, false
	}
	return t, true
}

// Lower is a nil-safe locale-agnostic case fold.
func Lower(s string) string {
	return strings.ToLower(s)
}

// CleanUnit strips a leading "label:" prefix from receipt unit text,
// turning "UN: UN" into "UN".
func CleanUnit(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	return s
}
