package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/textnorm"
)

// InvoiceType is the closed set of document types the extractor knows.
type InvoiceType string

const (
	TypeElectricity   InvoiceType = "electricity"
	TypeMobilePayment InvoiceType = "mobile_payment"
	TypeGeneric       InvoiceType = "generic"
)

// InvoiceTypes lists every type in classification order, generic last.
var InvoiceTypes = []InvoiceType{TypeElectricity, TypeMobilePayment, TypeGeneric}

// Valid reports whether t is one of the known types.
func (t InvoiceType) Valid() bool {
	switch t {
	case TypeElectricity, TypeMobilePayment, TypeGeneric:
		return true
	}
	return false
}

// Label returns the Vietnamese display name.
func (t InvoiceType) Label() string {
	switch t {
	case TypeElectricity:
		return "Hóa đơn tiền điện"
	case TypeMobilePayment:
		return "Thanh toán MoMo"
	default:
		return "Hóa đơn chung"
	}
}

// ParseInvoiceType accepts the canonical names plus a few aliases
// ("momo", "mobile-payment", "general"). Unknown input returns "" and false.
func ParseInvoiceType(s string) (InvoiceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "electricity", "dien", "evn":
		return TypeElectricity, true
	case "mobile_payment", "mobile-payment", "momo", "momo_payment":
		return TypeMobilePayment, true
	case "generic", "general":
		return TypeGeneric, true
	}
	return "", false
}

// LineItem is one row of an invoice. Numeric fields are empty when the
// source text did not contain a parseable number.
type LineItem struct {
	Name      string              `json:"name"`
	Quantity  decimal.NullDecimal `json:"quantity"`
	UnitPrice decimal.NullDecimal `json:"unitPrice"`
	Amount    decimal.NullDecimal `json:"amount"`
}

// InvoiceRecord is the structured result of one ingestion job.
// ID is the originating job id.
type InvoiceRecord struct {
	ID      string      `json:"id"`
	OwnerID string      `json:"ownerId"`
	Type    InvoiceType `json:"type"`

	// Identification
	InvoiceCode    string `json:"invoiceCode,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`
	PaymentAccount string `json:"paymentAccount,omitempty"`

	Date *time.Time `json:"date,omitempty"`

	// Parties
	SellerName    string `json:"sellerName,omitempty"`
	SellerAddress string `json:"sellerAddress,omitempty"`
	SellerTaxID   string `json:"sellerTaxId,omitempty"`
	BuyerName     string `json:"buyerName,omitempty"`
	BuyerAddress  string `json:"buyerAddress,omitempty"`
	BuyerTaxID    string `json:"buyerTaxId,omitempty"`

	// Amounts
	Subtotal      decimal.NullDecimal `json:"subtotal"`
	TaxAmount     decimal.NullDecimal `json:"taxAmount"`
	TaxPercentage decimal.NullDecimal `json:"taxPercentage"`
	Total         decimal.NullDecimal `json:"total"`
	Currency      string              `json:"currency"`

	Items []LineItem `json:"items"`

	// Reliability
	Confidence  float64  `json:"confidence"`
	NeedsReview bool     `json:"needsReview"`
	ReviewNotes []string `json:"reviewNotes,omitempty"`

	// Source
	RawText     string `json:"rawText,omitempty"`
	ImageRef    string `json:"imageRef"`
	ContentType string `json:"contentType,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListFilter narrows invoice queries. Zero values mean "no constraint".
// From and To are inclusive calendar days.
type ListFilter struct {
	OwnerID string
	Type    InvoiceType
	From    *time.Time
	To      *time.Time
	Text    string
	Limit   int
}

// Stats summarises the stored invoices of one owner.
type Stats struct {
	Total       int                 `json:"total"`
	TotalAmount decimal.Decimal     `json:"totalAmount"`
	Recent7Days int                 `json:"recent7Days"`
	NeedsReview int                 `json:"needsReview"`
	ByType      map[InvoiceType]int `json:"byType"`
}

// EffectiveDate is the invoice date, or the creation day when the text had none.
func (r *InvoiceRecord) EffectiveDate() time.Time {
	if r.Date != nil {
		return *r.Date
	}
	return r.CreatedAt
}

// Matches reports whether rec satisfies every constraint of f except Limit.
func (f ListFilter) Matches(rec *InvoiceRecord) bool {
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	day := truncateDay(rec.EffectiveDate())
	if f.From != nil && day.Before(truncateDay(*f.From)) {
		return false
	}
	if f.To != nil && day.After(truncateDay(*f.To)) {
		return false
	}
	if f.Text != "" {
		q := textnorm.Fold(f.Text)
		hay := textnorm.Fold(strings.Join([]string{
			rec.SellerName, rec.BuyerName, rec.InvoiceCode, rec.TransactionID,
		}, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
