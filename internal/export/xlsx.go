// Package export renders stored invoices as spreadsheets.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// SheetName is the worksheet holding the invoice rows.
const SheetName = "HoaDon"

var headers = []string{
	"Ngày",
	"Loại",
	"Mã hóa đơn",
	"Người bán",
	"Người mua",
	"Tiền hàng",
	"Tiền thuế",
	"Tổng cộng",
	"Tiền tệ",
	"Độ tin cậy",
	"Cần kiểm tra",
}

// Exporter writes the invoices matching a filter into an XLSX workbook.
type Exporter struct {
	store  db.InvoiceStore
	logger logging.Logger
}

func NewExporter(store db.InvoiceStore, logger logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Exporter{store: store, logger: logger}
}

// WriteXLSX returns the workbook bytes.
func (e *Exporter) WriteXLSX(ctx context.Context, filter models.ListFilter) ([]byte, error) {
	start := time.Now()

	recs, err := e.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(SheetName); err != nil {
		return nil, err
	}
	index, _ := f.GetSheetIndex(SheetName)
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}

	for i, r := range recs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}

		write(1, r.EffectiveDate().Format("02/01/2006"))
		write(2, r.Type.Label())
		write(3, r.InvoiceCode)
		write(4, r.SellerName)
		write(5, r.BuyerName)
		write(6, amount(r.Subtotal))
		write(7, amount(r.TaxAmount))
		write(8, amount(r.Total))
		write(9, r.Currency)
		write(10, r.Confidence)
		if r.NeedsReview {
			write(11, "Có")
		} else {
			write(11, "Không")
		}
	}

	_ = f.SetColWidth(SheetName, "A", "B", 16)
	_ = f.SetColWidth(SheetName, "C", "C", 20)
	_ = f.SetColWidth(SheetName, "D", "E", 32)
	_ = f.SetColWidth(SheetName, "F", "H", 14)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info(ctx, "exported invoices",
		"rows", len(recs),
		"bytes", buf.Len(),
		"elapsed", time.Since(start),
	)
	return buf.Bytes(), nil
}

// Filename names the download for a given day.
func Filename(now time.Time) string {
	return "hoadon_" + now.Format("20060102_150405") + ".xlsx"
}

// amount leaves the cell blank for an empty value.
func amount(d decimal.NullDecimal) any {
	if !d.Valid {
		return ""
	}
	return d.Decimal.InexactFloat64()
}
