package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/textnorm"
)

var currencySuffixes = []string{"đồng", "dong", "vnđ", "vnd", "đ", "d"}

// ParseAmount parses a Vietnamese-formatted number. Both '.' and ',' are
// accepted as thousands or decimal separator:
//
//	"150.000"      -> 150000
//	"1,234,567"    -> 1234567
//	"1.234,50"     -> 1234.50
//	"12,5"         -> 12.5
//	"150.000 đ"    -> 150000
//
// Anything that is not a well-formed number returns false.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, suf := range currencySuffixes {
		if strings.HasSuffix(s, suf) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suf))
			break
		}
	}
	s = strings.ReplaceAll(s, " ", "")

	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" || !isDigit(s[0]) || !isDigit(s[len(s)-1]) {
		return decimal.Decimal{}, false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) && s[i] != '.' && s[i] != ',' {
			return decimal.Decimal{}, false
		}
	}

	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	var plain string
	switch {
	case dots > 0 && commas > 0:
		dec := byte('.')
		if strings.LastIndexByte(s, ',') > strings.LastIndexByte(s, '.') {
			dec = ','
		}
		thou := byte(',')
		if dec == ',' {
			thou = '.'
		}
		if strings.Count(s, string(dec)) != 1 {
			return decimal.Decimal{}, false
		}
		intPart, frac, _ := strings.Cut(s, string(dec))
		if strings.IndexByte(frac, thou) >= 0 || !validGroups(intPart, thou) {
			return decimal.Decimal{}, false
		}
		plain = strings.ReplaceAll(intPart, string(thou), "") + "." + frac
	case dots+commas > 1:
		sep := byte('.')
		if commas > 0 {
			sep = ','
		}
		if !validGroups(s, sep) {
			return decimal.Decimal{}, false
		}
		plain = strings.ReplaceAll(s, string(sep), "")
	case dots+commas == 1:
		sep := "."
		if commas == 1 {
			sep = ","
		}
		intPart, frac, _ := strings.Cut(s, sep)
		if len(frac) == 3 {
			plain = intPart + frac
		} else {
			plain = intPart + "." + frac
		}
	default:
		plain = s
	}

	d, err := decimal.NewFromString(plain)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// validGroups checks that every group after the first has exactly three digits.
func validGroups(s string, sep byte) bool {
	parts := strings.Split(s, string(sep))
	if len(parts[0]) == 0 || len(parts[0]) > 3 {
		return len(parts) == 1
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

var (
	reDMY     = regexp.MustCompile(`^(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{4})(?:[ ,T]+(\d{1,2})[:h](\d{2})(?::(\d{2}))?)?$`)
	reTimeDMY = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?\s*[-,]?\s*(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{4})$`)
	reYMD     = regexp.MustCompile(`^(\d{4})[/\-.](\d{1,2})[/\-.](\d{1,2})$`)
	reWords   = regexp.MustCompile(`^ngay\s*(\d{1,2})\s*thang\s*(\d{1,2})\s*nam\s*(\d{4})$`)
)

// ParseDate accepts dd/mm/yyyy (optionally followed by HH:MM[:SS]),
// HH:MM dd/mm/yyyy, yyyy-mm-dd and "ngày D tháng M năm YYYY".
// Separators '/', '-' and '.' are interchangeable. Impossible dates return false.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if m := reDMY.FindStringSubmatch(s); m != nil {
		return buildDate(m[3], m[2], m[1], m[4], m[5], m[6])
	}
	if m := reTimeDMY.FindStringSubmatch(s); m != nil {
		return buildDate(m[6], m[5], m[4], m[1], m[2], m[3])
	}
	if m := reYMD.FindStringSubmatch(s); m != nil {
		return buildDate(m[1], m[2], m[3], "", "", "")
	}
	if m := reWords.FindStringSubmatch(textnorm.Fold(s)); m != nil {
		return buildDate(m[3], m[2], m[1], "", "", "")
	}
	return time.Time{}, false
}

func buildDate(year, month, day, hour, minute, second string) (time.Time, bool) {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	h := atoiOr(hour, 0)
	mi := atoiOr(minute, 0)
	se := atoiOr(second, 0)

	if y < 1990 || y > 2100 || mo < 1 || mo > 12 || d < 1 || d > 31 ||
		h > 23 || mi > 59 || se > 59 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, h, mi, se, 0, time.UTC)
	// time.Date normalises 31/02 into March
	if t.Day() != d || int(t.Month()) != mo {
		return time.Time{}, false
	}
	return t, true
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// cleanValue trims a captured value and cuts trailing label noise.
func cleanValue(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, ":-|,;")
	return strings.TrimSpace(s)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
