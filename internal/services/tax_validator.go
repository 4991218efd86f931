package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// ValidationError is an amount or identifier that fails a cross-check.
type ValidationError struct {
	Field    string          `json:"field"`
	Code     string          `json:"code"`
	Expected decimal.Decimal `json:"expected,omitempty"`
	Actual   decimal.Decimal `json:"actual,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// ValidationWarning flags a value that is suspicious but usable.
type ValidationWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ComputedValues are the amounts derived from subtotal and VAT rate.
type ComputedValues struct {
	ExpectedTax   decimal.NullDecimal `json:"expected_tax"`
	ExpectedTotal decimal.NullDecimal `json:"expected_total"`
}

// ValidationResult collects every finding for one record.
type ValidationResult struct {
	Valid       bool                `json:"valid"`
	NeedsReview bool                `json:"needs_review"`
	Errors      []ValidationError   `json:"errors"`
	Warnings    []ValidationWarning `json:"warnings"`
	Computed    ComputedValues      `json:"computed"`
}

// Notes flattens errors and warnings into review notes.
func (r *ValidationResult) Notes() []string {
	notes := make([]string, 0, len(r.Errors)+len(r.Warnings))
	for _, e := range r.Errors {
		notes = append(notes, fmt.Sprintf("%s: %s", e.Code, e.Message))
	}
	for _, w := range r.Warnings {
		notes = append(notes, fmt.Sprintf("%s: %s", w.Code, w.Message))
	}
	return notes
}

// Plausible amount ranges per invoice type, in VND.
var (
	electricityMin = decimal.NewFromInt(-5_000_000)
	electricityMax = decimal.NewFromInt(10_000_000)
	mobileMin      = decimal.NewFromInt(1_000)
	mobileMax      = decimal.NewFromInt(100_000_000)
)

// VAT rates in force in Vietnam (0%, 5%, 8% reduced, 10% standard).
var validTaxRates = []decimal.Decimal{
	decimal.NewFromInt(0), decimal.NewFromInt(5), decimal.NewFromInt(8), decimal.NewFromInt(10),
}

// TaxValidator cross-checks the amounts and identifiers of an extracted invoice
type TaxValidator struct {
	tolerance decimal.Decimal // fraction (0.05 = 5%)
	now       func() time.Time
}

// NewTaxValidator allows a 5% gap between printed and computed amounts.
func NewTaxValidator() *TaxValidator {
	return &TaxValidator{tolerance: decimal.NewFromFloat(0.05), now: time.Now}
}

// Validate checks VAT arithmetic, amount ranges, tax ids and the invoice date.
func (v *TaxValidator) Validate(rec *models.InvoiceRecord) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	// 1. Tax identifiers (MST): 10 digits, or 13 for branches
	v.validateTaxIDs(rec, result)

	// 2. Tax amount vs subtotal * rate
	v.validateTax(rec, result)

	// 3. Total vs subtotal + tax
	v.validateTotal(rec, result)

	// 4. Tax rate is one of the legal VAT rates
	v.validateRate(rec, result)

	// 5. Amount plausible for the document type
	v.validateRange(rec, result)

	// 6. Field coherence
	v.validateCoherence(rec, result)

	result.Valid = len(result.Errors) == 0
	result.NeedsReview = !result.Valid || len(result.Warnings) > 0

	return result
}

func (v *TaxValidator) validateTaxIDs(rec *models.InvoiceRecord, result *ValidationResult) {
	check := func(field, id string) {
		if id == "" {
			return
		}
		if !isTaxID(id) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   field,
				Code:    "tax_id_invalid_format",
				Message: "Mã số thuế phải gồm 10 hoặc 13 chữ số",
			})
		}
	}
	check("seller_tax_id", rec.SellerTaxID)
	check("buyer_tax_id", rec.BuyerTaxID)
}

func isTaxID(id string) bool {
	if len(id) != 10 && len(id) != 13 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// validateTax checks tax amount matches subtotal * rate
func (v *TaxValidator) validateTax(rec *models.InvoiceRecord, result *ValidationResult) {
	if !rec.Subtotal.Valid || !rec.TaxPercentage.Valid || !rec.Subtotal.Decimal.IsPositive() {
		return
	}

	expected := rec.Subtotal.Decimal.Mul(rec.TaxPercentage.Decimal).Div(decimal.NewFromInt(100)).Round(0)
	result.Computed.ExpectedTax = decimal.NewNullDecimal(expected)

	if !rec.TaxAmount.Valid {
		return
	}
	diff := rec.TaxAmount.Decimal.Sub(expected).Abs()
	if diff.GreaterThan(rec.Subtotal.Decimal.Mul(v.tolerance)) {
		result.Errors = append(result.Errors, ValidationError{
			Field:    "tax_amount",
			Code:     "tax_mismatch",
			Expected: expected,
			Actual:   rec.TaxAmount.Decimal,
			Message:  "Tiền thuế không khớp với thuế suất",
		})
	}
}

// validateTotal checks total matches subtotal + tax
func (v *TaxValidator) validateTotal(rec *models.InvoiceRecord, result *ValidationResult) {
	if !rec.Total.Valid || !rec.Subtotal.Valid || !rec.Total.Decimal.IsPositive() {
		return
	}

	expected := rec.Subtotal.Decimal
	if rec.TaxAmount.Valid {
		expected = expected.Add(rec.TaxAmount.Decimal)
	}
	result.Computed.ExpectedTotal = decimal.NewNullDecimal(expected)

	diff := rec.Total.Decimal.Sub(expected).Abs()
	if diff.GreaterThan(rec.Total.Decimal.Mul(v.tolerance)) {
		result.Errors = append(result.Errors, ValidationError{
			Field:    "total",
			Code:     "total_mismatch",
			Expected: expected,
			Actual:   rec.Total.Decimal,
			Message:  "Tổng tiền không khớp với tiền hàng cộng thuế",
		})
	}
}

func (v *TaxValidator) validateRate(rec *models.InvoiceRecord, result *ValidationResult) {
	if !rec.TaxPercentage.Valid {
		return
	}
	for _, r := range validTaxRates {
		if rec.TaxPercentage.Decimal.Equal(r) {
			return
		}
	}
	result.Warnings = append(result.Warnings, ValidationWarning{
		Field:   "tax_percentage",
		Code:    "tax_rate_unusual",
		Message: "Thuế suất không thuộc 0%, 5%, 8%, 10%: " + rec.TaxPercentage.Decimal.String() + "%",
	})
}

// validateRange checks the total is plausible for the invoice type
func (v *TaxValidator) validateRange(rec *models.InvoiceRecord, result *ValidationResult) {
	if !rec.Total.Valid {
		return
	}
	total := rec.Total.Decimal

	var min, max decimal.Decimal
	switch rec.Type {
	case models.TypeElectricity:
		min, max = electricityMin, electricityMax
	case models.TypeMobilePayment:
		min, max = mobileMin, mobileMax
	default:
		return
	}

	if total.LessThan(min) || total.GreaterThan(max) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "total",
			Code:    "amount_out_of_range",
			Actual:  total,
			Message: fmt.Sprintf("Số tiền ngoài khoảng hợp lệ cho %s (%s..%s)", rec.Type.Label(), min, max),
		})
	}
}

// validateCoherence checks field coherence
func (v *TaxValidator) validateCoherence(rec *models.InvoiceRecord, result *ValidationResult) {
	if rec.Date != nil && rec.Date.After(v.now().Add(24*time.Hour)) {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "date",
			Code:    "date_in_future",
			Message: "Ngày hóa đơn ở tương lai",
		})
	}

	if rec.Type == models.TypeGeneric && rec.Total.Valid && rec.Total.Decimal.IsNegative() {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "total",
			Code:    "negative_total",
			Message: "Tổng tiền âm",
		})
	}

	if rec.Subtotal.Valid && rec.Total.Valid && rec.Subtotal.Decimal.GreaterThan(rec.Total.Decimal) &&
		rec.Total.Decimal.IsPositive() {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "subtotal",
			Code:    "subtotal_exceeds_total",
			Message: "Tiền hàng lớn hơn tổng tiền",
		})
	}
}
