package extract

import (
	"regexp"

	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/textnorm"
)

// SignalGroup hits when any keyword (diacritic-insensitive) or pattern matches.
type SignalGroup struct {
	Keywords []string
	Patterns []*regexp.Regexp
}

func (g SignalGroup) hit(raw, folded string) bool {
	if textnorm.ContainsAny(folded, g.Keywords...) {
		return true
	}
	for _, re := range g.Patterns {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

// ClassRule assigns Type when every group hits.
type ClassRule struct {
	Type   models.InvoiceType
	Groups []SignalGroup
}

func (r ClassRule) matches(raw, folded string) bool {
	if len(r.Groups) == 0 {
		return false
	}
	for _, g := range r.Groups {
		if !g.hit(raw, folded) {
			return false
		}
	}
	return true
}

// Bare "điện" is not a signal: it also appears in "ví điện tử".
var defaultElectricityKeywords = []string{
	"tiền điện", "điện lực", "evn", "kwh", "electricity", "hóa đơn điện", "chỉ số công tơ",
}

var defaultMobileKeywords = []string{
	"momo", "ví điện tử", "chuyển khoản", "chuyển tiền", "transfer", "mã giao dịch", "zalopay", "vnpay",
}

// defaultClassRules is evaluated in order; electricity wins over mobile payment
// when both match.
func defaultClassRules() []ClassRule {
	return []ClassRule{
		{
			Type: models.TypeElectricity,
			Groups: []SignalGroup{{
				Keywords: defaultElectricityKeywords,
				Patterns: []*regexp.Regexp{regexp.MustCompile(`\b\d+(?:[.,]\d+)?\s?kWh\b`)},
			}},
		},
		{
			Type:   models.TypeMobilePayment,
			Groups: []SignalGroup{{Keywords: defaultMobileKeywords}},
		},
	}
}

// Classify returns the type of the first matching rule, or generic.
func (e *Extractor) Classify(text string) models.InvoiceType {
	folded := textnorm.Fold(text)
	for _, r := range e.classRules {
		if r.matches(text, folded) {
			return r.Type
		}
	}
	return models.TypeGeneric
}
