package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/facturaIA/invoice-intake-service/api"
	"github.com/facturaIA/invoice-intake-service/internal/auth"
	"github.com/facturaIA/invoice-intake-service/internal/chat"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/export"
	"github.com/facturaIA/invoice-intake-service/internal/extract"
	"github.com/facturaIA/invoice-intake-service/internal/jobs"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/ocr"
	"github.com/facturaIA/invoice-intake-service/internal/services"
)

const electricityBill = `TỔNG CÔNG TY ĐIỆN LỰC MIỀN BẮC
HÓA ĐƠN TIỀN ĐIỆN
Mã khách hàng: PD01000123456
Tên khách hàng: Nguyễn Văn An
Kỳ: 05/2024
Điện năng tiêu thụ: 150 kWh
Ngày 05/06/2024
Tổng cộng: 1.234.567 đ`

// stubTesseract answers like the tesseract CLI without running it.
type stubTesseract struct{}

func (stubTesseract) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	if len(args) > 0 && args[0] == "--version" {
		return []byte("tesseract 5.3.4\n leptonica-1.84.1\n"), nil, nil
	}
	return []byte(electricityBill), nil, nil
}

func billPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		img.SetGray(x, x, color.Gray{Y: 220})
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func corruptPNG() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0xde, 0xad}, 64)...)
}

type jobResponse struct {
	Job    models.UploadJob      `json:"job"`
	Record *models.InvoiceRecord `json:"record"`
}

var _ = Describe("HTTP API", func() {
	var (
		srv    *httptest.Server
		store  *db.BoltStore
		pool   *jobs.Pool
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		store, err = db.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "api.db"))
		Expect(err).NotTo(HaveOccurred())

		var cfg models.Config
		cfg.ApplyDefaults()
		cfg.Intake.MaxUploadBytes = 64 << 10

		tesseract := ocr.NewTesseract(cfg.OCR, stubTesseract{}, nil)
		processor := services.NewProcessor(store, tesseract, extract.New(cfg.Extraction), time.Second, nil)
		broker := jobs.NewMemoryBroker()
		pool = jobs.NewPool(store, broker, processor,
			jobs.WithWorkers(2),
			jobs.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		)
		gateway := services.NewIntakeGateway(store, pool, cfg.Intake, nil)
		router := chat.NewRouter(store, gateway, chat.StaticFallback{}, chat.NewSessions(time.Hour))

		handler, err := api.NewHandler(api.Deps{
			Config:   &cfg,
			Intake:   gateway,
			Invoices: store,
			Images:   store,
			Jobs:     store,
			Exporter: export.NewExporter(store, nil),
			Chat:     router,
			Health: api.NewHealthChecker(api.HealthChecker{
				Tesseract: tesseract, Store: store, StoreName: "bolt", Broker: broker, BrokerName: "memory",
			}),
			Auth: auth.NewAuthenticator("", 0),
		})
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		Expect(pool.Start(ctx)).To(Succeed())
		srv = httptest.NewServer(handler.SetupRoutes())
	})

	AfterEach(func() {
		srv.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		Expect(pool.Shutdown(shutdownCtx)).To(Succeed())
		Expect(store.Close()).To(Succeed())
	})

	do := func(method, path, owner string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, body)
		Expect(err).NotTo(HaveOccurred())
		if owner != "" {
			req.Header.Set(auth.OwnerHeader, owner)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(path, owner, field string, data []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile(field, "hoadon.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = fw.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(mw.WriteField("session_id", "phone")).To(Succeed())
		Expect(mw.Close()).To(Succeed())
		return do(http.MethodPost, path, owner, &buf, mw.FormDataContentType())
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	submit := func(owner string, data []byte) string {
		resp := upload("/api/upload", owner, "file", data)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var sub services.Submission
		decode(resp, &sub)
		Expect(sub.Status).To(Equal(models.JobQueued))
		return sub.JobID
	}

	jobStatus := func(id, owner string) func() models.JobStatus {
		return func() models.JobStatus {
			var view jobResponse
			resp := do(http.MethodGet, "/api/jobs/"+id, owner, nil, "")
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return ""
			}
			decode(resp, &view)
			return view.Job.Status
		}
	}

	It("turns an uploaded electricity bill into a stored record", func() {
		img := billPNG()
		id := submit("u1", img)

		Eventually(jobStatus(id, "u1"), 5*time.Second, 20*time.Millisecond).Should(Equal(models.JobDone))

		var view jobResponse
		decode(do(http.MethodGet, "/api/jobs/"+id, "u1", nil, ""), &view)
		Expect(view.Record).NotTo(BeNil())
		Expect(view.Record.Type).To(Equal(models.TypeElectricity))
		Expect(view.Record.Total.Valid).To(BeTrue())
		Expect(view.Record.Total.Decimal.IntPart()).To(Equal(int64(1234567)))
		Expect(view.Record.Date).NotTo(BeNil())
		Expect(view.Record.Confidence).To(BeNumerically(">=", 0.6))
		Expect(view.Record.ContentType).To(Equal("image/png"))

		By("listing and reading the record")
		var list struct {
			Invoices []*models.InvoiceRecord `json:"invoices"`
			Count    int                     `json:"count"`
		}
		decode(do(http.MethodGet, "/api/invoices?type=electricity", "u1", nil, ""), &list)
		Expect(list.Count).To(Equal(1))
		Expect(list.Invoices[0].ID).To(Equal(id))

		resp := do(http.MethodGet, "/api/invoices/"+id, "u2", nil, "")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		By("serving the raw image")
		resp = do(http.MethodGet, "/api/invoices/"+id+"/image", "u1", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
		got, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(img))

		By("reporting statistics")
		var stats models.Stats
		decode(do(http.MethodGet, "/api/invoices/stats", "u1", nil, ""), &stats)
		Expect(stats.Total).To(Equal(1))
		Expect(stats.ByType).To(HaveKeyWithValue(models.TypeElectricity, 1))

		By("exporting to XLSX")
		resp = do(http.MethodGet, "/api/invoices/export?from=2024-06-01&to=2024-06-30", "u1", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("hoadon_"))
		xlsx, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(xlsx[:2]).To(Equal([]byte("PK")))

		By("refusing to cancel a finished job")
		resp = do(http.MethodDelete, "/api/jobs/"+id, "u1", nil, "")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("fails a corrupt image with kind decode and stores no record", func() {
		id := submit("u1", corruptPNG())

		Eventually(jobStatus(id, "u1"), 5*time.Second, 20*time.Millisecond).Should(Equal(models.JobFailed))

		var view jobResponse
		decode(do(http.MethodGet, "/api/jobs/"+id, "u1", nil, ""), &view)
		Expect(view.Job.LastErrorKind).To(Equal("decode"))
		Expect(view.Job.Attempts).To(Equal(1))
		Expect(view.Record).To(BeNil())

		resp := do(http.MethodGet, "/api/invoices/"+id, "u1", nil, "")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("rejects invalid uploads", func() {
		resp := upload("/api/upload", "u1", "file", bytes.Repeat([]byte{0xff}, 70<<10))
		var body map[string]string
		decode(resp, &body)
		Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
		Expect(body["kind"]).To(Equal("validation"))

		resp = upload("/api/upload", "u1", "file", []byte("just some text, not an image"))
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		resp = upload("/api/upload", "u1", "document", billPNG())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("accepts the image field name", func() {
		resp := upload("/api/upload", "u1", "image", billPNG())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
	})

	It("answers 404 for unknown jobs", func() {
		resp := do(http.MethodGet, "/api/jobs/nope", "u1", nil, "")
		var body map[string]string
		decode(resp, &body)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(body["kind"]).To(Equal("not_found"))
	})

	Describe("chat", func() {
		chatMsg := func(owner, body string) *http.Response {
			return do(http.MethodPost, "/api/chat", owner, strings.NewReader(body), "application/json")
		}

		It("routes list requests", func() {
			id := submit("u1", billPNG())
			Eventually(jobStatus(id, "u1"), 5*time.Second, 20*time.Millisecond).Should(Equal(models.JobDone))

			resp := chatMsg("u1", `{"message": "xem danh sách hóa đơn"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var out chat.Response
			decode(resp, &out)
			Expect(out.Intent).To(Equal(chat.IntentViewList))
			Expect(out.Invoices).To(HaveLen(1))
		})

		It("validates the request body", func() {
			for _, body := range []string{
				`{"message": ""}`,
				`{"session_id": "x"}`,
				`{"message": 42}`,
				`{"message": "` + strings.Repeat("a", 2001) + `"}`,
				`not json`,
			} {
				resp := chatMsg("u1", body)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest), body)
			}
		})

		It("processes an image attached to the session", func() {
			resp := upload("/api/chat/upload", "u1", "file", billPNG())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			resp = chatMsg("u1", `{"message": "xử lý", "session_id": "phone"}`)
			var out chat.Response
			decode(resp, &out)
			Expect(out.Intent).To(Equal(chat.IntentProcessPending))
			Expect(out.Job).NotTo(BeNil())

			Eventually(jobStatus(out.Job.JobID, "u1"), 5*time.Second, 20*time.Millisecond).Should(Equal(models.JobDone))
		})
	})

	It("reports health", func() {
		resp := do(http.MethodGet, "/health", "", nil, "")
		var health api.HealthResponse
		decode(resp, &health)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(health.Status).To(Equal("healthy"))
		Expect(health.Tesseract.Version).To(Equal("tesseract 5.3.4"))
	})
})

var _ = Describe("authentication", func() {
	It("rejects API calls without a token when a secret is set", func() {
		handler, err := api.NewHandler(api.Deps{Auth: auth.NewAuthenticator("s3cret", time.Hour)})
		Expect(err).NotTo(HaveOccurred())
		srv := httptest.NewServer(handler.SetupRoutes())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/api/invoices")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

		resp, err = http.Get(srv.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
