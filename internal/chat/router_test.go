package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/services"
)

type recordingFallback struct {
	got []string
	err error
}

func (f *recordingFallback) Reply(_ context.Context, msg string) (string, error) {
	f.got = append(f.got, msg)
	if f.err != nil {
		return "", f.err
	}
	return "fallback: " + msg, nil
}

func (f *recordingFallback) Name() string { return "recording" }

type fakeIntake struct {
	uploads []services.Upload
	err     error
}

func (f *fakeIntake) Submit(_ context.Context, u services.Upload) (*services.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, u)
	return &services.Submission{JobID: "job-1", Status: models.JobQueued}, nil
}

var fixedNow = time.Date(2024, 6, 12, 9, 30, 0, 0, time.UTC) // a Wednesday

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func seed(t *testing.T, store *db.BoltStore) {
	t.Helper()
	recs := []*models.InvoiceRecord{
		{
			ID: "e1", OwnerID: "u1", Type: models.TypeElectricity,
			InvoiceCode: "PD01000123456", SellerName: "Điện lực Hà Nội",
			Date: day(2024, 5, 20), Total: decimal.NewNullDecimal(decimal.NewFromInt(1234567)),
		},
		{
			ID: "m1", OwnerID: "u1", Type: models.TypeMobilePayment,
			TransactionID: "31234567890", Date: day(2024, 6, 10),
			Total: decimal.NewNullDecimal(decimal.NewFromInt(250000)), NeedsReview: true,
		},
		{
			ID: "x1", OwnerID: "u2", Type: models.TypeGeneric,
			InvoiceCode: "0000999", Date: day(2024, 6, 11),
		},
	}
	for _, rec := range recs {
		require.NoError(t, store.UpsertInvoice(context.Background(), rec))
	}
}

type harness struct {
	router   *Router
	sessions *Sessions
	fallback *recordingFallback
	intake   *fakeIntake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.NewBoltStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	seed(t, store)

	h := &harness{
		sessions: NewSessions(time.Hour),
		fallback: &recordingFallback{},
		intake:   &fakeIntake{},
	}
	h.router = NewRouter(store, h.intake, h.fallback, h.sessions, WithLocation(time.UTC))
	h.router.now = func() time.Time { return fixedNow }
	return h
}

func (h *harness) say(t *testing.T, msg string) *Response {
	t.Helper()
	resp, err := h.router.Handle(context.Background(), Request{SessionID: "s1", OwnerID: "u1", Message: msg})
	require.NoError(t, err)
	return resp
}

func TestViewList(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "Xem danh sách hóa đơn")
	assert.Equal(t, IntentViewList, resp.Intent)
	require.Len(t, resp.Invoices, 2)
	assert.Equal(t, "m1", resp.Invoices[0].ID)
	assert.Contains(t, resp.Text, "1.234.567 VND")
	assert.Contains(t, resp.Text, "(cần kiểm tra)")
	assert.Empty(t, h.fallback.got)
}

func TestViewListByType(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "liệt kê hóa đơn tiền điện")
	assert.Equal(t, IntentViewList, resp.Intent)
	require.Len(t, resp.Invoices, 1)
	assert.Equal(t, "e1", resp.Invoices[0].ID)
}

func TestUnknownTextGoesToFallbackVerbatim(t *testing.T) {
	h := newHarness(t)
	msg := "  Kể cho tôi một câu chuyện cười!  "

	resp, err := h.router.Handle(context.Background(), Request{SessionID: "s9", OwnerID: "u1", Message: msg})
	require.NoError(t, err)
	assert.Equal(t, IntentFallback, resp.Intent)
	assert.Equal(t, []string{msg}, h.fallback.got)
	assert.Equal(t, "fallback: "+msg, resp.Text)

	_, ok := h.sessions.Peek("s9")
	assert.False(t, ok)
}

func TestFallbackErrorGivesMenu(t *testing.T) {
	h := newHarness(t)
	h.fallback.err = errors.New("upstream down")

	resp := h.say(t, "bạn có khỏe không")
	assert.Equal(t, IntentFallback, resp.Intent)
	assert.Equal(t, capabilityMenu, resp.Text)
}

func TestExport(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "Xuất báo cáo tháng này")
	assert.Equal(t, IntentExport, resp.Intent)
	assert.Equal(t, "/api/invoices/export?from=2024-06-01&to=2024-06-12", resp.DownloadURL)

	resp = h.say(t, "tải excel tiền điện")
	assert.Equal(t, IntentExport, resp.Intent)
	assert.Equal(t, "/api/invoices/export?type=electricity", resp.DownloadURL)

	resp = h.say(t, "export")
	assert.Equal(t, "/api/invoices/export", resp.DownloadURL)
}

func TestSearchByCode(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "tìm mã PD01000123456")
	assert.Equal(t, IntentSearchByCode, resp.Intent)
	require.Len(t, resp.Invoices, 1)
	assert.Equal(t, "e1", resp.Invoices[0].ID)

	resp = h.say(t, "tra cứu mã giao dịch 31234567890")
	assert.Equal(t, IntentSearchByCode, resp.Intent)
	require.Len(t, resp.Invoices, 1)
	assert.Equal(t, "m1", resp.Invoices[0].ID)

	resp = h.say(t, "tìm hóa đơn số 0000999")
	assert.Equal(t, IntentSearchByCode, resp.Intent)
	assert.Empty(t, resp.Invoices, "other owners' invoices are not searched")
	assert.Contains(t, resp.Text, "0000999")
}

func TestDateRangeQuery(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "hóa đơn tháng 5/2024")
	assert.Equal(t, IntentDateRange, resp.Intent)
	require.Len(t, resp.Invoices, 1)
	assert.Equal(t, "e1", resp.Invoices[0].ID)
	assert.Contains(t, resp.Text, "tháng 05/2024")

	resp = h.say(t, "hóa đơn tuần này")
	require.Len(t, resp.Invoices, 1)
	assert.Equal(t, "m1", resp.Invoices[0].ID)
}

func TestStatistics(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "thống kê")
	assert.Equal(t, IntentStatistics, resp.Intent)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 2, resp.Stats.Total)
	assert.Equal(t, 1, resp.Stats.NeedsReview)
	assert.Contains(t, resp.Text, "1.484.567 VND")
}

func TestHelp(t *testing.T) {
	h := newHarness(t)

	for _, msg := range []string{"help", "hướng dẫn", "   "} {
		resp := h.say(t, msg)
		assert.Equal(t, IntentHelp, resp.Intent, msg)
		assert.Equal(t, capabilityMenu, resp.Text)
	}
	sess, ok := h.sessions.Peek("s1")
	require.True(t, ok)
	assert.True(t, sess.MenuShown)
	assert.Empty(t, h.fallback.got)
}

func TestCameraAndProcessFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.say(t, "chụp")
	assert.Equal(t, IntentCameraCapture, resp.Intent)
	assert.Empty(t, resp.Action)

	resp = h.say(t, "bật camera")
	assert.Equal(t, IntentCameraStart, resp.Intent)
	assert.Equal(t, "camera_start", resp.Action)

	resp = h.say(t, "chụp ảnh")
	assert.Equal(t, "camera_capture", resp.Action)

	resp = h.say(t, "xử lý")
	assert.Equal(t, IntentProcessPending, resp.Intent)
	assert.Nil(t, resp.Job)
	assert.Empty(t, h.intake.uploads)

	_, err := h.router.AttachUpload(ctx, "s1", PendingUpload{Filename: "bill.png", ContentType: "image/png", Data: []byte("img")})
	require.NoError(t, err)

	resp = h.say(t, "xử lý")
	require.NotNil(t, resp.Job)
	assert.Equal(t, "job-1", resp.Job.JobID)
	require.Len(t, h.intake.uploads, 1)
	assert.Equal(t, "u1", h.intake.uploads[0].OwnerID)
	assert.Equal(t, "bill.png", h.intake.uploads[0].Filename)

	sess, ok := h.sessions.Peek("s1")
	require.True(t, ok)
	assert.Nil(t, sess.Pending)
	assert.False(t, sess.CameraActive)

	h.say(t, "bật camera")
	resp = h.say(t, "tắt camera")
	assert.Equal(t, IntentCameraStop, resp.Intent)
	sess, _ = h.sessions.Peek("s1")
	assert.False(t, sess.CameraActive)
}

func TestProcessKeepsPendingOnStoreError(t *testing.T) {
	h := newHarness(t)
	h.intake.err = apperr.New(apperr.KindStore, "queue down")

	_, err := h.router.AttachUpload(context.Background(), "s1", PendingUpload{Data: []byte("img")})
	require.NoError(t, err)

	_, err = h.router.Handle(context.Background(), Request{SessionID: "s1", OwnerID: "u1", Message: "xử lý"})
	assert.True(t, apperr.Is(err, apperr.KindStore))

	sess, _ := h.sessions.Peek("s1")
	assert.NotNil(t, sess.Pending)
}

func TestAttachUploadRejectsEmpty(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.AttachUpload(context.Background(), "s1", PendingUpload{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFormatVND(t *testing.T) {
	cases := map[string]decimal.Decimal{
		"0 VND":         decimal.Zero,
		"999 VND":       decimal.NewFromInt(999),
		"1.000 VND":     decimal.NewFromInt(1000),
		"1.234.567 VND": decimal.NewFromInt(1234567),
		"-1.500 VND":    decimal.NewFromInt(-1500),
		"10 VND":        decimal.RequireFromString("9.6"),
	}
	for want, d := range cases {
		assert.Equal(t, want, formatVND(d))
	}
}
