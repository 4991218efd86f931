// Package chat turns free-text commands into invoice queries and pipeline
// actions. Text no command matches goes to an external chat service.
package chat

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/extract"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/services"
	"github.com/facturaIA/invoice-intake-service/internal/textnorm"
)

type Intent string

const (
	IntentCameraStop     Intent = "camera_stop"
	IntentCameraStart    Intent = "camera_start"
	IntentCameraCapture  Intent = "camera_capture"
	IntentProcessPending Intent = "process_pending"
	IntentHelp           Intent = "help"
	IntentExport         Intent = "export"
	IntentSearchByCode   Intent = "search_by_code"
	IntentDateRange      Intent = "date_range"
	IntentStatistics     Intent = "statistics"
	IntentViewList       Intent = "view_list"
	IntentAttachUpload   Intent = "attach_upload"
	IntentFallback       Intent = "fallback"
)

// Request is one chat turn.
type Request struct {
	SessionID string
	OwnerID   string
	Message   string
}

// Response is the router's answer. Text is always set; the other fields
// carry the structured result of the matched command.
type Response struct {
	Intent      Intent                  `json:"intent"`
	Text        string                  `json:"text"`
	Invoices    []*models.InvoiceRecord `json:"invoices,omitempty"`
	Stats       *models.Stats           `json:"stats,omitempty"`
	Job         *services.Submission    `json:"job,omitempty"`
	DownloadURL string                  `json:"downloadUrl,omitempty"`
	Action      string                  `json:"action,omitempty"`
}

// Intake submits a pending upload to the pipeline.
type Intake interface {
	Submit(ctx context.Context, u services.Upload) (*services.Submission, error)
}

type turn struct {
	req   Request
	text  string // folded, punctuation replaced by single spaces
	today time.Time
	sess  *Session

	code  string
	dates DateRange
}

type route struct {
	intent Intent
	match  func(t *turn) bool
	handle func(ctx context.Context, t *turn) (*Response, error)
}

// Router dispatches each message to the first route that matches it.
type Router struct {
	store    db.InvoiceStore
	intake   Intake
	fallback Fallback
	sessions *Sessions
	logger   logging.Logger

	now        func() time.Time
	loc        *time.Location
	listLimit  int
	exportPath string

	routes []route
}

type Option func(*Router)

// WithLocation sets the time zone used for "today", "this week" and so on.
func WithLocation(loc *time.Location) Option {
	return func(r *Router) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithListLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.listLimit = n
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithExportPath sets the path export links point to.
func WithExportPath(p string) Option {
	return func(r *Router) { r.exportPath = p }
}

func NewRouter(store db.InvoiceStore, intake Intake, fallback Fallback, sessions *Sessions, opts ...Option) *Router {
	if fallback == nil {
		fallback = StaticFallback{}
	}
	r := &Router{
		store:      store,
		intake:     intake,
		fallback:   fallback,
		sessions:   sessions,
		logger:     logging.Discard(),
		now:        time.Now,
		loc:        time.Local,
		listLimit:  10,
		exportPath: "/api/invoices/export",
	}
	for _, o := range opts {
		o(r)
	}

	// Order is precedence. Export comes before date-range so that
	// "xuất báo cáo tháng này" is an export.
	r.routes = []route{
		{IntentCameraStop, phrases("tat camera", "dung camera", "dong camera", "stop camera", "camera off", "tat may anh"), r.cameraStop},
		{IntentCameraStart, phrases("bat camera", "mo camera", "start camera", "open camera", "camera on", "bat may anh", "mo may anh"), r.cameraStart},
		{IntentCameraCapture, phrases("chup", "chup anh", "capture", "snap"), r.cameraCapture},
		{IntentProcessPending, phrases("xu ly", "process", "quet", "scan", "nhan dang"), r.processPending},
		{IntentHelp, matchHelp, r.help},
		{IntentExport, phrases("xuat", "export", "download", "bao cao", "excel", "tai xuong", "tai ve", "tai file"), r.export},
		{IntentSearchByCode, matchSearch, r.searchByCode},
		{IntentDateRange, matchDateRange, r.dateRange},
		{IntentStatistics, phrases("thong ke", "statistics", "stats", "tong", "so luong", "bao nhieu"), r.statistics},
		{IntentViewList, phrases("danh sach", "liet ke", "list", "xem hoa don", "xem tat ca", "hien thi hoa don", "tat ca hoa don", "hoa don cua toi"), r.viewList},
	}
	return r
}

// Handle routes one message.
func (r *Router) Handle(ctx context.Context, req Request) (*Response, error) {
	r.sessions.Sweep()

	t := &turn{
		req:   req,
		text:  tokenize(textnorm.Fold(strings.TrimSpace(req.Message))),
		today: calendarDay(r.now(), r.loc),
	}

	for _, rt := range r.routes {
		if !rt.match(t) {
			continue
		}
		var resp *Response
		err := r.sessions.With(req.SessionID, func(s *Session) error {
			t.sess = s
			var err error
			resp, err = rt.handle(ctx, t)
			return err
		})
		if err != nil {
			return nil, err
		}
		resp.Intent = rt.intent
		r.logger.Debug(ctx, "chat command", "intent", rt.intent, "session_id", req.SessionID)
		return resp, nil
	}

	return r.forward(ctx, req)
}

// forward sends the raw message to the fallback service. The session is
// not touched.
func (r *Router) forward(ctx context.Context, req Request) (*Response, error) {
	reply, err := r.fallback.Reply(ctx, req.Message)
	if err != nil {
		r.logger.Warn(ctx, "chat fallback failed", "provider", r.fallback.Name(), "error", err)
		reply, _ = StaticFallback{}.Reply(ctx, req.Message)
	}
	return &Response{Intent: IntentFallback, Text: reply}, nil
}

// AttachUpload stores an image on the session until a process command.
func (r *Router) AttachUpload(ctx context.Context, sessionID string, up PendingUpload) (*Response, error) {
	if len(up.Data) == 0 {
		return nil, apperr.Validation("empty upload")
	}
	err := r.sessions.With(sessionID, func(s *Session) error {
		s.Pending = &up
		return nil
	})
	if err != nil {
		return nil, err
	}
	name := up.Filename
	if name == "" {
		name = "ảnh"
	}
	r.logger.Debug(ctx, "pending upload attached", "session_id", sessionID, "bytes", len(up.Data))
	return &Response{
		Intent: IntentAttachUpload,
		Text:   fmt.Sprintf("Đã nhận %s. Gửi \"xử lý\" để bắt đầu nhận dạng.", name),
	}, nil
}

// --- matchers ---

var (
	reNonWord = regexp.MustCompile(`[^\p{L}\p{N}/\-]+`)
	reSearch  = regexp.MustCompile(` (?:tim kiem|tim|search|tra cuu|find)(?: hoa don)?(?: (?:ma|so|code))?(?: (?:hoa don|giao dich|khach hang))? ([a-z0-9][a-z0-9\-/]*) `)
)

// tokenize pads folded text with spaces so phrases match on word boundaries.
func tokenize(folded string) string {
	return " " + strings.Join(strings.Fields(reNonWord.ReplaceAllString(folded, " ")), " ") + " "
}

func hasAny(text string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(text, " "+p+" ") {
			return true
		}
	}
	return false
}

func phrases(p ...string) func(t *turn) bool {
	return func(t *turn) bool { return hasAny(t.text, p...) }
}

func matchHelp(t *turn) bool {
	return strings.TrimSpace(t.text) == "" ||
		hasAny(t.text, "help", "tro giup", "huong dan", "menu", "ban lam duoc gi")
}

func matchSearch(t *turn) bool {
	m := reSearch.FindStringSubmatch(t.text)
	if m == nil || len(m[1]) < 3 || !strings.ContainsAny(m[1], "0123456789") {
		return false
	}
	if _, isDate := extract.ParseDate(m[1]); isDate {
		return false
	}
	t.code = m[1]
	return true
}

func matchDateRange(t *turn) bool {
	dr, ok := parseDateRange(t.text, t.today)
	if ok {
		t.dates = dr
	}
	return ok
}

// typeIn picks an invoice type named in the text, if any.
func typeIn(text string) models.InvoiceType {
	switch {
	case hasAny(text, "tien dien", "hoa don dien", "evn", "dien luc"):
		return models.TypeElectricity
	case hasAny(text, "momo", "chuyen tien", "chuyen khoan", "vi dien tu"):
		return models.TypeMobilePayment
	case hasAny(text, "hoa don chung", "gtgt", "vat"):
		return models.TypeGeneric
	}
	return ""
}

// --- handlers ---

func (r *Router) cameraStart(_ context.Context, t *turn) (*Response, error) {
	if t.sess.CameraActive {
		return &Response{Text: "Camera đang bật.", Action: "camera_start"}, nil
	}
	t.sess.CameraActive = true
	return &Response{Text: "Đã bật camera. Gửi \"chụp\" để chụp hóa đơn.", Action: "camera_start"}, nil
}

func (r *Router) cameraStop(_ context.Context, t *turn) (*Response, error) {
	t.sess.CameraActive = false
	return &Response{Text: "Đã tắt camera.", Action: "camera_stop"}, nil
}

func (r *Router) cameraCapture(_ context.Context, t *turn) (*Response, error) {
	if !t.sess.CameraActive {
		return &Response{Text: "Camera chưa bật. Gửi \"bật camera\" trước."}, nil
	}
	return &Response{Text: "Đang chụp hóa đơn...", Action: "camera_capture"}, nil
}

func (r *Router) processPending(ctx context.Context, t *turn) (*Response, error) {
	p := t.sess.Pending
	if p == nil {
		return &Response{Text: "Chưa có ảnh nào đang chờ xử lý. Hãy chụp hoặc tải ảnh hóa đơn lên."}, nil
	}

	sub, err := r.intake.Submit(ctx, services.Upload{
		OwnerID:     t.req.OwnerID,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		Data:        p.Data,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			t.sess.Pending = nil
			return &Response{Text: "Ảnh không hợp lệ: " + err.Error()}, nil
		}
		return nil, err
	}

	t.sess.Pending = nil
	t.sess.CameraActive = false
	return &Response{
		Text: fmt.Sprintf("Đã gửi ảnh để nhận dạng (mã công việc %s).", sub.JobID),
		Job:  sub,
	}, nil
}

func (r *Router) help(_ context.Context, t *turn) (*Response, error) {
	t.sess.MenuShown = true
	return &Response{Text: capabilityMenu}, nil
}

func (r *Router) export(_ context.Context, t *turn) (*Response, error) {
	q := url.Values{}
	label := "tất cả hóa đơn"
	if typ := typeIn(t.text); typ != "" {
		q.Set("type", string(typ))
		label = typ.Label()
	}
	if dr, ok := parseDateRange(t.text, t.today); ok {
		q.Set("from", dr.From.Format("2006-01-02"))
		q.Set("to", dr.To.Format("2006-01-02"))
		label += " " + dr.Label
	}

	link := r.exportPath
	if enc := q.Encode(); enc != "" {
		link += "?" + enc
	}
	return &Response{
		Text:        fmt.Sprintf("Báo cáo Excel (%s) đã sẵn sàng: %s", label, link),
		DownloadURL: link,
	}, nil
}

func (r *Router) searchByCode(ctx context.Context, t *turn) (*Response, error) {
	recs, err := r.store.ListInvoices(ctx, models.ListFilter{
		OwnerID: t.req.OwnerID,
		Text:    t.code,
		Limit:   r.listLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return &Response{Text: fmt.Sprintf("Không tìm thấy hóa đơn với mã %s.", strings.ToUpper(t.code))}, nil
	}
	return &Response{Text: formatList("Kết quả tìm kiếm "+strings.ToUpper(t.code), recs), Invoices: recs}, nil
}

func (r *Router) dateRange(ctx context.Context, t *turn) (*Response, error) {
	from, to := t.dates.From, t.dates.To
	recs, err := r.store.ListInvoices(ctx, models.ListFilter{
		OwnerID: t.req.OwnerID,
		Type:    typeIn(t.text),
		From:    &from,
		To:      &to,
		Limit:   r.listLimit,
	})
	if err != nil {
		return nil, err
	}
	return &Response{Text: formatList("Hóa đơn "+t.dates.Label, recs), Invoices: recs}, nil
}

func (r *Router) statistics(ctx context.Context, t *turn) (*Response, error) {
	st, err := r.store.Stats(ctx, t.req.OwnerID, r.now().AddDate(0, 0, -7))
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Thống kê hóa đơn\n")
	fmt.Fprintf(&b, "Tổng số hóa đơn: %d\n", st.Total)
	fmt.Fprintf(&b, "Tổng tiền: %s\n", formatVND(st.TotalAmount))
	fmt.Fprintf(&b, "7 ngày gần nhất: %d hóa đơn\n", st.Recent7Days)
	fmt.Fprintf(&b, "Cần kiểm tra: %d", st.NeedsReview)
	for _, typ := range models.InvoiceTypes {
		if n := st.ByType[typ]; n > 0 {
			fmt.Fprintf(&b, "\n%s: %d", typ.Label(), n)
		}
	}
	return &Response{Text: b.String(), Stats: st}, nil
}

func (r *Router) viewList(ctx context.Context, t *turn) (*Response, error) {
	typ := typeIn(t.text)
	recs, err := r.store.ListInvoices(ctx, models.ListFilter{
		OwnerID: t.req.OwnerID,
		Type:    typ,
		Limit:   r.listLimit,
	})
	if err != nil {
		return nil, err
	}
	title := "Danh sách hóa đơn"
	if typ != "" {
		title += " (" + typ.Label() + ")"
	}
	return &Response{Text: formatList(title, recs), Invoices: recs}, nil
}

// --- formatting ---

func formatList(title string, recs []*models.InvoiceRecord) string {
	if len(recs) == 0 {
		return title + ": không có hóa đơn nào."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):", title, len(recs))
	for i, rec := range recs {
		code := rec.InvoiceCode
		if code == "" {
			code = "-"
		}
		total := "?"
		if rec.Total.Valid {
			total = formatVND(rec.Total.Decimal)
		}
		flag := ""
		if rec.NeedsReview {
			flag = " (cần kiểm tra)"
		}
		fmt.Fprintf(&b, "\n%d. %s | %s | %s | %s%s",
			i+1, rec.EffectiveDate().Format("02/01/2006"), rec.Type.Label(), code, total, flag)
	}
	return b.String()
}

// formatVND renders 1234567 as "1.234.567 VND".
func formatVND(d decimal.Decimal) string {
	digits := d.Round(0).Abs().StringFixed(0)

	var b strings.Builder
	if d.Round(0).IsNegative() {
		b.WriteByte('-')
	}
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	b.WriteString(" VND")
	return b.String()
}
