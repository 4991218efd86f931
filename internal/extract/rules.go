package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// Field names used in required-field lists and review notes.
const (
	FieldInvoiceCode    = "invoice_code"
	FieldTransactionID  = "transaction_id"
	FieldPaymentAccount = "payment_account"
	FieldDate           = "date"
	FieldSellerName     = "seller_name"
	FieldSellerAddress  = "seller_address"
	FieldSellerTaxID    = "seller_tax_id"
	FieldBuyerName      = "buyer_name"
	FieldBuyerAddress   = "buyer_address"
	FieldBuyerTaxID     = "buyer_tax_id"
	FieldSubtotal       = "subtotal"
	FieldTaxAmount      = "tax_amount"
	FieldTaxPercentage  = "tax_percentage"
	FieldTotal          = "total"
	FieldItems          = "items"
)

// setter parses a captured value into rec. It returns false when the value
// does not parse, so the next candidate is tried.
type setter func(rec *models.InvoiceRecord, raw string) bool

// fieldRule tries patterns in order; within a pattern every match is tried
// in order of appearance. skip drops the first N successful candidates
// (the buyer tax id is the second MST on a VAT invoice).
type fieldRule struct {
	field    string
	patterns []*regexp.Regexp
	set      setter
	skip     int
}

func (r fieldRule) apply(rec *models.InvoiceRecord, text string) bool {
	skipped := 0
	for _, re := range r.patterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if len(loc) < 4 || loc[2] < 0 {
				continue
			}
			raw := text[loc[2]:loc[3]]
			if amountFields[r.field] && datePart(text, loc[2], loc[3]) {
				continue
			}
			var candidate models.InvoiceRecord
			if !r.set(&candidate, raw) {
				continue
			}
			if skipped < r.skip {
				skipped++
				continue
			}
			return r.set(rec, raw)
		}
	}
	return false
}

var amountFields = map[string]bool{
	FieldSubtotal:  true,
	FieldTaxAmount: true,
	FieldTotal:     true,
}

var reDateLike = regexp.MustCompile(`^\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}$`)

// datePart reports whether text[start:end] is a date or the leading part
// of one, as in "Hạn thanh toán: 15/06/2024".
func datePart(text string, start, end int) bool {
	if reDateLike.MatchString(strings.TrimSpace(text[start:end])) {
		return true
	}
	if end+1 < len(text) && strings.ContainsRune("/-:", rune(text[end])) {
		c := text[end+1]
		return c >= '0' && c <= '9'
	}
	return false
}

const (
	amountNum = `([0-9]{1,3}(?:[.,][0-9]{3})+|[0-9]+(?:[.,][0-9]+)?)`
	currency  = `(?:đồng|vnđ|vnd|đ|d)`
	dateNum   = `(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{4}(?:[ ,]+\d{1,2}:\d{2}(?::\d{2})?)?)`
)

var (
	reDashAmount   = regexp.MustCompile(`(?im)(?:^|[\s@)])-\s*` + amountNum + `\s*` + currency)
	reParenAmount  = regexp.MustCompile(`(?i)\(\s*` + amountNum + `\s*` + currency + `\s*\)`)
	reMarkedAmount = regexp.MustCompile(`(?i)([0-9]{1,3}(?:[.,][0-9]{3})+)\s*` + currency)

	reLabelledDate = regexp.MustCompile(`(?i)(?:ngày|ngay|thời gian|thoi gian|time|date)[:\s]*` + dateNum)
	reBareDate     = regexp.MustCompile(dateNum)
	reTimeFirst    = regexp.MustCompile(`(\d{1,2}:\d{2}(?::\d{2})?\s*[-,]?\s*\d{1,2}[/\-.]\d{1,2}[/\-.]\d{4})`)
	reISODate      = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
	reWordsDate    = regexp.MustCompile(`(?i)((?:ngày|ngay)\s*\d{1,2}\s*(?:tháng|thang)\s*\d{1,2}\s*(?:năm|nam)\s*\d{4})`)

	reTaxID = regexp.MustCompile(`(?i)(?:mã số thuế|ma so thue|mst|tax code|tax id)[:\s]*([0-9][0-9\- ]{8,16}[0-9])`)
)

var dateRule = fieldRule{
	field:    FieldDate,
	patterns: []*regexp.Regexp{reLabelledDate, reTimeFirst, reBareDate, reWordsDate, reISODate},
	set:      setDate,
}

func labelled(labels string, value string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:` + labels + `)[:\s]*` + value)
}

func lineLabelled(labels string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)^\s*(?:` + labels + `)[:\s]+([^\n]+)`)
}

func electricityRules() []fieldRule {
	return []fieldRule{
		{
			field: FieldInvoiceCode,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:mã khách hàng|ma khach hang|mã kh)[:\s]*([A-Z0-9]{4,})`),
				regexp.MustCompile(`\b([A-Z]{2,3}\d{6,}[A-Z0-9]*)\b`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.InvoiceCode }),
		},
		{
			field: FieldBuyerName,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:tên khách hàng|ten khach hang)[:\s]*([^\n]+)`),
				lineLabelled(`khách hàng|khach hang`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.BuyerName }),
		},
		{
			field:    FieldBuyerAddress,
			patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)(?:địa chỉ|dia chi)[:\s]*([^\n]+)`)},
			set:      setString(func(r *models.InvoiceRecord) *string { return &r.BuyerAddress }),
		},
		{
			field: FieldSellerName,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?im)^\s*((?:tổng\s+)?công ty điện lực[^\n]*)`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.SellerName }),
		},
		{
			field:    FieldSellerTaxID,
			patterns: []*regexp.Regexp{reTaxID},
			set:      setTaxID(func(r *models.InvoiceRecord) *string { return &r.SellerTaxID }),
		},
		{
			field: FieldTotal,
			patterns: []*regexp.Regexp{
				reDashAmount,
				reParenAmount,
				reMarkedAmount,
				labelled(`tổng cộng|tổng tiền thanh toán|tổng tiền|tiền thanh toán|số tiền phải trả|phải trả|số tiền|thành tiền|total|amount`, amountNum),
			},
			set: setAmount(func(r *models.InvoiceRecord) *decimal.NullDecimal { return &r.Total }, nonZero),
		},
		dateRule,
		{
			field: FieldItems,
			patterns: []*regexp.Regexp{
				lineLabelled(`kỳ thanh toán|ky thanh toan|kỳ hóa đơn|kỳ|ky`),
			},
			set: func(r *models.InvoiceRecord, raw string) bool {
				period := cleanValue(raw)
				if period == "" {
					return false
				}
				r.Items = append(r.Items, models.LineItem{Name: "Tiền điện " + period})
				return true
			},
		},
	}
}

func mobilePaymentRules() []fieldRule {
	return []fieldRule{
		{
			field: FieldTransactionID,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:mã giao dịch|ma giao dich|transaction id|trans id)[:\s]*([A-Z0-9\-]{6,20})`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.TransactionID }),
		},
		{
			field: FieldPaymentAccount,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?im)(?:^|\s)(?:tài khoản nguồn|tài khoản|tai khoan|từ|from|số điện thoại|so dien thoai|phone)[:\s]+([0-9+(][0-9 \-+()*]{5,}[0-9])`),
			},
			set: func(r *models.InvoiceRecord, raw string) bool {
				v := strings.Join(strings.Fields(raw), "")
				if len(digitsOnly(v)) < 6 {
					return false
				}
				r.PaymentAccount = v
				return true
			},
		},
		{
			field:    FieldBuyerName,
			patterns: []*regexp.Regexp{lineLabelled(`người gửi|nguoi gui|sender`)},
			set:      setString(func(r *models.InvoiceRecord) *string { return &r.BuyerName }),
		},
		{
			field: FieldSellerName,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:người nhận|nguoi nhan|bên nhận|recipient|tên cửa hàng|store|shop)[:\s]*([^\n]+)`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.SellerName }),
		},
		{
			field: FieldTotal,
			patterns: []*regexp.Regexp{
				reDashAmount,
				reParenAmount,
				labelled(`số tiền chuyển|số tiền|tổng tiền|tổng cộng|thành tiền|transfer amount|amount|total`, amountNum),
				reMarkedAmount,
			},
			set: setAmount(func(r *models.InvoiceRecord) *decimal.NullDecimal { return &r.Total }, atLeast(1000)),
		},
		dateRule,
		{
			field: FieldItems,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:nội dung|noi dung|lời nhắn|loi nhan|content|message|ghi chú|ghi chu)[:\s]*([^\n]+)`),
			},
			set: func(r *models.InvoiceRecord, raw string) bool {
				content := cleanValue(raw)
				if content == "" {
					return false
				}
				r.Items = append(r.Items, models.LineItem{Name: content})
				return true
			},
		},
	}
}

func genericRules() []fieldRule {
	return []fieldRule{
		{
			field: FieldInvoiceCode,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:số hóa đơn|so hoa don|số hđ|mã hóa đơn|invoice number|invoice no\.?)[:\s#]*([A-Z0-9][A-Z0-9\-/]{2,})`),
				regexp.MustCompile(`(?i)(?:HĐ|INV|Invoice)[:\s#]+([A-Z0-9][A-Z0-9\-]{2,})`),
				regexp.MustCompile(`\b([A-Z]{2,3}-?\d{4,8})\b`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.InvoiceCode }),
		},
		dateRule,
		{
			field: FieldSellerName,
			patterns: []*regexp.Regexp{
				lineLabelled(`đơn vị bán hàng|đơn vị bán|người bán|bên bán|bên cung cấp|seller`),
				regexp.MustCompile(`(?im)^\s*(công ty[^\n]+)`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.SellerName }),
		},
		{
			field: FieldBuyerName,
			patterns: []*regexp.Regexp{
				lineLabelled(`họ tên người mua hàng|người mua hàng|người mua|bên mua|khách hàng|khach hang|buyer`),
			},
			set: setString(func(r *models.InvoiceRecord) *string { return &r.BuyerName }),
		},
		{
			field:    FieldSellerAddress,
			patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)(?:địa chỉ|dia chi|address)[:\s]*([^\n]+)`)},
			set:      setString(func(r *models.InvoiceRecord) *string { return &r.SellerAddress }),
		},
		{
			field:    FieldSellerTaxID,
			patterns: []*regexp.Regexp{reTaxID},
			set:      setTaxID(func(r *models.InvoiceRecord) *string { return &r.SellerTaxID }),
		},
		{
			field:    FieldBuyerTaxID,
			patterns: []*regexp.Regexp{reTaxID},
			set:      setTaxID(func(r *models.InvoiceRecord) *string { return &r.BuyerTaxID }),
			skip:     1,
		},
		{
			field: FieldSubtotal,
			patterns: []*regexp.Regexp{
				labelled(`cộng tiền hàng|tiền hàng|thành tiền trước thuế|tạm tính|subtotal|sub total`, `([0-9][0-9.,]*(?:\s*`+currency+`)?)`),
			},
			set: setAmount(func(r *models.InvoiceRecord) *decimal.NullDecimal { return &r.Subtotal }, nil),
		},
		{
			field: FieldTaxPercentage,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:thuế suất|thue suat|thuế gtgt|thue gtgt|vat|tax)[^0-9\n]{0,20}(\d{1,2}(?:[.,]\d+)?)\s*%`),
			},
			set: setAmount(func(r *models.InvoiceRecord) *decimal.NullDecimal { return &r.TaxPercentage }, nil),
		},
		{
			field: FieldTaxAmount,
			patterns: []*regexp.Regexp{
				labelled(`tiền thuế gtgt|tiền thuế|thuế gtgt|thue gtgt|tax amount|vat amount|vat`, `([0-9][0-9.,]*\s*%?)`),
			},
			set: setAmount(func(r *models.InvoiceRecord) *decimal.NullDecimal { return &r.TaxAmount }, nil),
		},
		{
			field: FieldTotal,
			patterns: []*regexp.Regexp{
				labelled(`tổng cộng tiền thanh toán|tổng tiền thanh toán|tổng cộng|tổng tiền|total amount|total|thanh toán`, `([0-9][0-9.,]*(?:\s*`+currency+`)?)`),
				reMarkedAmount,
			},
			set: setAmount(func(r *models.InvoiceRecord) *decimal.NullDecimal { return &r.Total }, nil),
		},
	}
}

func setString(field func(*models.InvoiceRecord) *string) setter {
	return func(r *models.InvoiceRecord, raw string) bool {
		v := cleanValue(raw)
		if v == "" {
			return false
		}
		*field(r) = v
		return true
	}
}

func setTaxID(field func(*models.InvoiceRecord) *string) setter {
	return func(r *models.InvoiceRecord, raw string) bool {
		v := digitsOnly(raw)
		if len(v) != 10 && len(v) != 13 {
			return false
		}
		*field(r) = v
		return true
	}
}

func setAmount(field func(*models.InvoiceRecord) *decimal.NullDecimal, accept func(decimal.Decimal) bool) setter {
	return func(r *models.InvoiceRecord, raw string) bool {
		d, ok := ParseAmount(raw)
		if !ok || (accept != nil && !accept(d)) {
			return false
		}
		*field(r) = decimal.NewNullDecimal(d)
		return true
	}
}

func setDate(r *models.InvoiceRecord, raw string) bool {
	t, ok := ParseDate(raw)
	if !ok {
		return false
	}
	r.Date = &t
	return true
}

func nonZero(d decimal.Decimal) bool {
	return !d.IsZero()
}

func atLeast(min int64) func(decimal.Decimal) bool {
	floor := decimal.NewFromInt(min)
	return func(d decimal.Decimal) bool {
		return d.GreaterThanOrEqual(floor)
	}
}
