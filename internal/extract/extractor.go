// Package extract classifies recognized invoice text and pulls structured
// fields out of it with ordered, per-type regex rules.
package extract

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/textnorm"
)

const (
	defaultElectricitySeller = "Công ty Điện lực"
	defaultMobileSeller      = "MoMo Payment"
	defaultCurrency          = "VND"
)

var defaultRequired = map[models.InvoiceType][]string{
	models.TypeElectricity:   {FieldInvoiceCode, FieldBuyerName, FieldTotal, FieldDate},
	models.TypeMobilePayment: {FieldTransactionID, FieldPaymentAccount, FieldTotal, FieldDate},
	models.TypeGeneric:       {FieldInvoiceCode, FieldDate, FieldSellerName, FieldTotal},
}

// Extractor turns recognized text into an InvoiceRecord.
type Extractor struct {
	cfg        models.ExtractionConfig
	classRules []ClassRule
	fieldRules map[models.InvoiceType][]fieldRule
	required   map[models.InvoiceType][]string
}

// New builds an extractor. Keyword and required-field overrides in cfg
// replace the defaults for the named type.
func New(cfg models.ExtractionConfig) *Extractor {
	if cfg.ReviewThreshold == 0 {
		cfg.ReviewThreshold = 0.6
	}
	cfg.FieldWeight, cfg.EngineWeight = normalizeWeights(cfg.FieldWeight, cfg.EngineWeight)

	e := &Extractor{
		cfg:        cfg,
		classRules: defaultClassRules(),
		fieldRules: map[models.InvoiceType][]fieldRule{
			models.TypeElectricity:   electricityRules(),
			models.TypeMobilePayment: mobilePaymentRules(),
			models.TypeGeneric:       genericRules(),
		},
		required: make(map[models.InvoiceType][]string, len(defaultRequired)),
	}

	for t, fields := range defaultRequired {
		e.required[t] = fields
	}
	for name, fields := range cfg.RequiredFields {
		if t, ok := models.ParseInvoiceType(name); ok {
			e.required[t] = fields
		}
	}
	for name, keywords := range cfg.Keywords {
		t, ok := models.ParseInvoiceType(name)
		if !ok || len(keywords) == 0 {
			continue
		}
		for i := range e.classRules {
			if e.classRules[i].Type == t {
				e.classRules[i].Groups[0].Keywords = keywords
			}
		}
	}
	return e
}

// Extract classifies text, fills the fields of the matching type and scores
// the result. engineConfidence is ignored unless hasEngineConfidence is set.
// Identity fields (ID, owner, image) are left to the caller.
func (e *Extractor) Extract(text string, engineConfidence float64, hasEngineConfidence bool) *models.InvoiceRecord {
	typ := e.Classify(text)
	rec := &models.InvoiceRecord{
		Type:     typ,
		Currency: defaultCurrency,
		RawText:  text,
	}

	for _, r := range e.fieldRules[typ] {
		r.apply(rec, text)
	}
	if typ == models.TypeElectricity && !rec.Total.Valid && textnorm.ContainsAny(textnorm.Fold(text), "miễn phí") {
		rec.Total = decimal.NewNullDecimal(decimal.Zero)
	}

	required := e.required[typ]
	var missing []string
	for _, f := range required {
		if !isFilled(rec, f) {
			missing = append(missing, f)
		}
	}

	// Fallback values do not count as extracted.
	applyFallbacks(rec)

	rec.Confidence = Score(len(required)-len(missing), len(required),
		engineConfidence, hasEngineConfidence, e.cfg.FieldWeight, e.cfg.EngineWeight)

	for _, f := range missing {
		rec.ReviewNotes = append(rec.ReviewNotes, "missing field: "+f)
	}
	if rec.Confidence < e.cfg.ReviewThreshold {
		rec.NeedsReview = true
		rec.ReviewNotes = append(rec.ReviewNotes,
			fmt.Sprintf("confidence %.2f below threshold %.2f", rec.Confidence, e.cfg.ReviewThreshold))
	}
	// The engine alone never vouches for a record with nothing extracted.
	if len(required) > 0 && len(missing) == len(required) {
		rec.NeedsReview = true
		rec.ReviewNotes = append(rec.ReviewNotes, "no required field extracted")
	}
	return rec
}

func applyFallbacks(rec *models.InvoiceRecord) {
	switch rec.Type {
	case models.TypeElectricity:
		if rec.SellerName == "" {
			rec.SellerName = defaultElectricitySeller
		}
		if rec.InvoiceCode == "" && rec.BuyerName != "" {
			rec.InvoiceCode = "EVN-" + strings.ToUpper(strings.ReplaceAll(textnorm.Fold(rec.BuyerName), " ", "-"))
		}
		for i := range rec.Items {
			if !rec.Items[i].Amount.Valid {
				rec.Items[i].Amount = rec.Total
			}
		}
	case models.TypeMobilePayment:
		if rec.TransactionID != "" {
			rec.InvoiceCode = "MOMO-" + rec.TransactionID
		}
		if rec.SellerName == "" {
			rec.SellerName = defaultMobileSeller
		}
		if rec.BuyerName == "" {
			rec.BuyerName = rec.PaymentAccount
		}
		for i := range rec.Items {
			if !rec.Items[i].Amount.Valid {
				rec.Items[i].Amount = rec.Total
			}
		}
	}
}

func isFilled(rec *models.InvoiceRecord, field string) bool {
	switch field {
	case FieldInvoiceCode:
		return rec.InvoiceCode != ""
	case FieldTransactionID:
		return rec.TransactionID != ""
	case FieldPaymentAccount:
		return rec.PaymentAccount != ""
	case FieldDate:
		return rec.Date != nil
	case FieldSellerName:
		return rec.SellerName != ""
	case FieldSellerAddress:
		return rec.SellerAddress != ""
	case FieldSellerTaxID:
		return rec.SellerTaxID != ""
	case FieldBuyerName:
		return rec.BuyerName != ""
	case FieldBuyerAddress:
		return rec.BuyerAddress != ""
	case FieldBuyerTaxID:
		return rec.BuyerTaxID != ""
	case FieldSubtotal:
		return rec.Subtotal.Valid
	case FieldTaxAmount:
		return rec.TaxAmount.Valid
	case FieldTaxPercentage:
		return rec.TaxPercentage.Valid
	case FieldTotal:
		return rec.Total.Valid
	case FieldItems:
		return len(rec.Items) > 0
	}
	return false
}
