package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// PostgresStore implements Store on PostgreSQL. Raw images are delegated to
// an object store.
type PostgresStore struct {
	pool    *pgxpool.Pool
	objects ImageStore
}

// NewPostgresStore wraps an open pool. objects keeps the raw image bytes.
func NewPostgresStore(pool *pgxpool.Pool, objects ImageStore) *PostgresStore {
	return &PostgresStore{pool: pool, objects: objects}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) PutRawImage(ctx context.Context, key string, data []byte, contentType string) error {
	return s.objects.PutRawImage(ctx, key, data, contentType)
}

func (s *PostgresStore) GetRawImage(ctx context.Context, key string) ([]byte, string, error) {
	return s.objects.GetRawImage(ctx, key)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const invoiceColumns = `
	id, owner_id, invoice_type, COALESCE(invoice_code, ''), COALESCE(transaction_id, ''),
	COALESCE(payment_account, ''), invoice_date,
	COALESCE(seller_name, ''), COALESCE(seller_address, ''), COALESCE(seller_tax_id, ''),
	COALESCE(buyer_name, ''), COALESCE(buyer_address, ''), COALESCE(buyer_tax_id, ''),
	subtotal::text, tax_amount::text, tax_percentage::text, total::text,
	currency, items::text, confidence, needs_review, review_notes::text,
	COALESCE(raw_text, ''), image_ref, COALESCE(content_type, ''), created_at, updated_at`

const upsertInvoiceSQL = `
	INSERT INTO invoices (
		id, owner_id, invoice_type, invoice_code, transaction_id, payment_account, invoice_date,
		seller_name, seller_address, seller_tax_id, buyer_name, buyer_address, buyer_tax_id,
		subtotal, tax_amount, tax_percentage, total, currency, items, confidence,
		needs_review, review_notes, raw_text, image_ref, content_type, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		$14::numeric, $15::numeric, $16::numeric, $17::numeric, $18, $19::jsonb, $20,
		$21, $22::jsonb, $23, $24, $25, $26, $26
	)
	ON CONFLICT (id) DO UPDATE SET
		owner_id = EXCLUDED.owner_id,
		invoice_type = EXCLUDED.invoice_type,
		invoice_code = EXCLUDED.invoice_code,
		transaction_id = EXCLUDED.transaction_id,
		payment_account = EXCLUDED.payment_account,
		invoice_date = EXCLUDED.invoice_date,
		seller_name = EXCLUDED.seller_name,
		seller_address = EXCLUDED.seller_address,
		seller_tax_id = EXCLUDED.seller_tax_id,
		buyer_name = EXCLUDED.buyer_name,
		buyer_address = EXCLUDED.buyer_address,
		buyer_tax_id = EXCLUDED.buyer_tax_id,
		subtotal = EXCLUDED.subtotal,
		tax_amount = EXCLUDED.tax_amount,
		tax_percentage = EXCLUDED.tax_percentage,
		total = EXCLUDED.total,
		currency = EXCLUDED.currency,
		items = EXCLUDED.items,
		confidence = EXCLUDED.confidence,
		needs_review = EXCLUDED.needs_review,
		review_notes = EXCLUDED.review_notes,
		raw_text = EXCLUDED.raw_text,
		image_ref = EXCLUDED.image_ref,
		content_type = EXCLUDED.content_type,
		updated_at = EXCLUDED.updated_at
	RETURNING created_at, updated_at`

func (s *PostgresStore) UpsertInvoice(ctx context.Context, rec *models.InvoiceRecord) error {
	return upsertInvoice(ctx, s.pool, rec, time.Now())
}

func upsertInvoice(ctx context.Context, q rowQuerier, rec *models.InvoiceRecord, now time.Time) error {
	items, err := json.Marshal(nonNilItems(rec.Items))
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}
	notes, err := json.Marshal(nonNilNotes(rec.ReviewNotes))
	if err != nil {
		return fmt.Errorf("marshaling review notes: %w", err)
	}

	err = q.QueryRow(ctx, upsertInvoiceSQL,
		rec.ID, rec.OwnerID, string(rec.Type), nullText(rec.InvoiceCode), nullText(rec.TransactionID),
		nullText(rec.PaymentAccount), rec.Date,
		nullText(rec.SellerName), nullText(rec.SellerAddress), nullText(rec.SellerTaxID),
		nullText(rec.BuyerName), nullText(rec.BuyerAddress), nullText(rec.BuyerTaxID),
		decimalArg(rec.Subtotal), decimalArg(rec.TaxAmount), decimalArg(rec.TaxPercentage), decimalArg(rec.Total),
		rec.Currency, string(items), rec.Confidence,
		rec.NeedsReview, string(notes), rec.RawText, rec.ImageRef, rec.ContentType, now,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting invoice %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*models.InvoiceRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	rec, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, filter models.ListFilter) ([]*models.InvoiceRecord, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OwnerID != "" {
		where = append(where, "owner_id = "+arg(filter.OwnerID))
	}
	if filter.Type != "" {
		where = append(where, "invoice_type = "+arg(string(filter.Type)))
	}
	if filter.From != nil {
		where = append(where, "COALESCE(invoice_date, created_at) >= "+arg(dayStart(*filter.From)))
	}
	if filter.To != nil {
		where = append(where, "COALESCE(invoice_date, created_at) < "+arg(dayStart(*filter.To).AddDate(0, 0, 1)))
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY COALESCE(invoice_date, created_at) DESC, created_at DESC`
	// Free-text matching is diacritic-insensitive and done in Go, so the
	// limit can only go to SQL when there is no text filter.
	if filter.Limit > 0 && filter.Text == "" {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	recs := make([]*models.InvoiceRecord, 0)
	for rows.Next() {
		rec, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(rec) {
			continue
		}
		recs = append(recs, rec)
		if filter.Limit > 0 && len(recs) == filter.Limit {
			break
		}
	}
	return recs, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, ownerID string, recentSince time.Time) (*models.Stats, error) {
	stats := &models.Stats{ByType: make(map[models.InvoiceType]int)}

	var sum string
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(total), 0)::text,
			COUNT(*) FILTER (WHERE created_at >= $2),
			COUNT(*) FILTER (WHERE needs_review)
		FROM invoices
		WHERE ($1 = '' OR owner_id = $1)
	`, ownerID, recentSince).Scan(&stats.Total, &sum, &stats.Recent7Days, &stats.NeedsReview)
	if err != nil {
		return nil, fmt.Errorf("invoice stats: %w", err)
	}
	stats.TotalAmount, err = decimal.NewFromString(sum)
	if err != nil {
		return nil, fmt.Errorf("parsing amount sum: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT invoice_type, COUNT(*) FROM invoices
		WHERE ($1 = '' OR owner_id = $1)
		GROUP BY invoice_type
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("invoice stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		stats.ByType[models.InvoiceType(typ)] = n
	}
	return stats, rows.Err()
}

func scanInvoice(row pgx.Row) (*models.InvoiceRecord, error) {
	var (
		rec                          models.InvoiceRecord
		typ, items, notes            string
		subtotal, tax, taxPct, total *string
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &typ, &rec.InvoiceCode, &rec.TransactionID,
		&rec.PaymentAccount, &rec.Date,
		&rec.SellerName, &rec.SellerAddress, &rec.SellerTaxID,
		&rec.BuyerName, &rec.BuyerAddress, &rec.BuyerTaxID,
		&subtotal, &tax, &taxPct, &total,
		&rec.Currency, &items, &rec.Confidence, &rec.NeedsReview, &notes,
		&rec.RawText, &rec.ImageRef, &rec.ContentType, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Type = models.InvoiceType(typ)

	for _, f := range []struct {
		src *string
		dst *decimal.NullDecimal
	}{{subtotal, &rec.Subtotal}, {tax, &rec.TaxAmount}, {taxPct, &rec.TaxPercentage}, {total, &rec.Total}} {
		if f.src == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.src)
		if err != nil {
			return nil, fmt.Errorf("parsing numeric %q: %w", *f.src, err)
		}
		*f.dst = decimal.NewNullDecimal(d)
	}

	if err := json.Unmarshal([]byte(items), &rec.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling items: %w", err)
	}
	if err := json.Unmarshal([]byte(notes), &rec.ReviewNotes); err != nil {
		return nil, fmt.Errorf("unmarshaling review notes: %w", err)
	}
	return &rec, nil
}

func decimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilItems(items []models.LineItem) []models.LineItem {
	if items == nil {
		return []models.LineItem{}
	}
	return items
}

func nonNilNotes(notes []string) []string {
	if notes == nil {
		return []string{}
	}
	return notes
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
