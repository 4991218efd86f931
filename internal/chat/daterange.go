package chat

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/facturaIA/invoice-intake-service/internal/extract"
)

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	From  time.Time
	To    time.Time
	Label string
}

var (
	reFromTo     = regexp.MustCompile(`tu\s+(?:ngay\s+)?(\d{1,2}/\d{1,2}(?:/\d{4})?)\s+(?:den|toi|-)\s+(?:ngay\s+)?(\d{1,2}/\d{1,2}(?:/\d{4})?)`)
	reMonth      = regexp.MustCompile(`thang\s+(\d{1,2})(?:\s*/\s*(\d{4})|\s+nam\s+(\d{4}))?`)
	reSingleDate = regexp.MustCompile(`(\d{1,2}/\d{1,2}/\d{4})`)
)

// parseDateRange finds a date expression in folded text. today is the
// current calendar day at UTC midnight.
func parseDateRange(folded string, today time.Time) (DateRange, bool) {
	if m := reFromTo.FindStringSubmatch(folded); m != nil {
		from, ok1 := dayOf(m[1], today.Year())
		to, ok2 := dayOf(m[2], today.Year())
		if ok1 && ok2 {
			if to.Before(from) {
				from, to = to, from
			}
			return DateRange{From: from, To: to, Label: "từ " + from.Format("02/01/2006") + " đến " + to.Format("02/01/2006")}, true
		}
	}

	switch {
	case hasAny(folded, "hom nay", "today"):
		return DateRange{From: today, To: today, Label: "hôm nay"}, true
	case hasAny(folded, "hom qua", "yesterday"):
		d := today.AddDate(0, 0, -1)
		return DateRange{From: d, To: d, Label: "hôm qua"}, true
	case hasAny(folded, "tuan nay", "this week"):
		offset := (int(today.Weekday()) + 6) % 7 // Monday first
		return DateRange{From: today.AddDate(0, 0, -offset), To: today, Label: "tuần này"}, true
	case hasAny(folded, "thang nay", "this month"):
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return DateRange{From: first, To: today, Label: "tháng này"}, true
	case hasAny(folded, "thang truoc", "last month"):
		first := time.Date(today.Year(), today.Month()-1, 1, 0, 0, 0, 0, time.UTC)
		return monthRange(first), true
	}

	if m := reMonth.FindStringSubmatch(folded); m != nil {
		month, _ := strconv.Atoi(m[1])
		year := today.Year()
		for _, y := range m[2:] {
			if y != "" {
				year, _ = strconv.Atoi(y)
			}
		}
		if month >= 1 && month <= 12 {
			return monthRange(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)), true
		}
	}

	if m := reSingleDate.FindStringSubmatch(folded); m != nil {
		if d, ok := extract.ParseDate(m[1]); ok {
			return DateRange{From: d, To: d, Label: "ngày " + d.Format("02/01/2006")}, true
		}
	}
	return DateRange{}, false
}

func monthRange(first time.Time) DateRange {
	last := first.AddDate(0, 1, -1)
	return DateRange{From: first, To: last, Label: "tháng " + first.Format("01/2006")}
}

// dayOf parses d/m or d/m/yyyy, defaulting the year.
func dayOf(s string, year int) (time.Time, bool) {
	if strings.Count(s, "/") == 1 {
		s += "/" + strconv.Itoa(year)
	}
	return extract.ParseDate(s)
}

// calendarDay returns t's date in loc as a UTC midnight.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
