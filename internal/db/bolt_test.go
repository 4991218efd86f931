package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

func newQueuedJob(id string, submitted time.Time) *models.UploadJob {
	return &models.UploadJob{
		ID:          id,
		OwnerID:     "owner-1",
		ImageRef:    "owner-1/2024/05/" + id + ".png",
		ContentType: "image/png",
		Status:      models.JobQueued,
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
}

func newRecord(id string, typ models.InvoiceType, date time.Time, total int64) *models.InvoiceRecord {
	d := date
	return &models.InvoiceRecord{
		ID:         id,
		OwnerID:    "owner-1",
		Type:       typ,
		Date:       &d,
		SellerName: "Công ty Điện lực Hà Nội",
		BuyerName:  "Nguyễn Văn An",
		Total:      decimal.NewNullDecimal(decimal.NewFromInt(total)),
		Currency:   "VND",
		Confidence: 0.9,
		ImageRef:   "owner-1/2024/05/" + id + ".png",
	}
}

var _ = Describe("BoltStore", func() {
	var (
		ctx   context.Context
		store *BoltStore
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		var err error
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	Describe("UpsertInvoice", func() {
		var rec *models.InvoiceRecord

		BeforeEach(func() {
			rec = newRecord("job-1", models.TypeElectricity, now, 150000)
			Expect(store.UpsertInvoice(ctx, rec)).To(Succeed())
		})

		It("stores the record", func() {
			got, err := store.GetInvoice(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Type).To(Equal(models.TypeElectricity))
			Expect(got.Total.Decimal.Equal(decimal.NewFromInt(150000))).To(BeTrue())
		})

		When("called twice with the same id", func() {
			var firstCreated time.Time

			BeforeEach(func() {
				firstCreated = rec.CreatedAt
				again := newRecord("job-1", models.TypeElectricity, now, 200000)
				Expect(store.UpsertInvoice(ctx, again)).To(Succeed())
			})

			It("keeps a single record with the new values", func() {
				all, err := store.ListInvoices(ctx, models.ListFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(all).To(HaveLen(1))
				Expect(all[0].Total.Decimal.Equal(decimal.NewFromInt(200000))).To(BeTrue())
			})

			It("keeps the original created-at", func() {
				got, err := store.GetInvoice(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.CreatedAt.Equal(firstCreated)).To(BeTrue())
			})
		})

		It("keeps an empty amount empty", func() {
			empty := newRecord("job-2", models.TypeGeneric, now, 0)
			empty.Total = decimal.NullDecimal{}
			Expect(store.UpsertInvoice(ctx, empty)).To(Succeed())

			got, err := store.GetInvoice(ctx, "job-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Total.Valid).To(BeFalse())
		})
	})

	Describe("GetInvoice", func() {
		It("returns ErrNotFound for an unknown id", func() {
			_, err := store.GetInvoice(ctx, "missing")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListInvoices", func() {
		BeforeEach(func() {
			Expect(store.UpsertInvoice(ctx, newRecord("a", models.TypeElectricity, now.AddDate(0, 0, -10), 100000))).To(Succeed())
			Expect(store.UpsertInvoice(ctx, newRecord("b", models.TypeMobilePayment, now.AddDate(0, 0, -1), 50000))).To(Succeed())
			other := newRecord("c", models.TypeElectricity, now, 70000)
			other.OwnerID = "owner-2"
			Expect(store.UpsertInvoice(ctx, other)).To(Succeed())
		})

		It("orders by invoice date, newest first", func() {
			recs, err := store.ListInvoices(ctx, models.ListFilter{OwnerID: "owner-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].ID).To(Equal("b"))
			Expect(recs[1].ID).To(Equal("a"))
		})

		It("filters by type", func() {
			recs, err := store.ListInvoices(ctx, models.ListFilter{Type: models.TypeElectricity})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
		})

		It("filters by inclusive date range", func() {
			from := now.AddDate(0, 0, -1)
			to := now.AddDate(0, 0, -1)
			recs, err := store.ListInvoices(ctx, models.ListFilter{From: &from, To: &to})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal("b"))
		})

		It("matches free text without diacritics", func() {
			recs, err := store.ListInvoices(ctx, models.ListFilter{Text: "dien luc ha noi", OwnerID: "owner-2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].ID).To(Equal("c"))
		})

		It("applies the limit", func() {
			recs, err := store.ListInvoices(ctx, models.ListFilter{Limit: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
		})
	})

	Describe("Stats", func() {
		It("sums amounts and counts by type", func() {
			Expect(store.UpsertInvoice(ctx, newRecord("a", models.TypeElectricity, now, 100000))).To(Succeed())
			Expect(store.UpsertInvoice(ctx, newRecord("b", models.TypeMobilePayment, now, 50000))).To(Succeed())

			st, err := store.Stats(ctx, "owner-1", time.Now().AddDate(0, 0, -7))
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Total).To(Equal(2))
			Expect(st.Recent7Days).To(Equal(2))
			Expect(st.TotalAmount.Equal(decimal.NewFromInt(150000))).To(BeTrue())
			Expect(st.ByType[models.TypeElectricity]).To(Equal(1))
		})
	})

	Describe("raw images", func() {
		It("round-trips bytes and content type", func() {
			Expect(store.PutRawImage(ctx, "k", []byte{1, 2, 3}, "image/png")).To(Succeed())
			data, ct, err := store.GetRawImage(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte{1, 2, 3}))
			Expect(ct).To(Equal("image/png"))
		})

		It("returns ErrNotFound for a missing key", func() {
			_, _, err := store.GetRawImage(ctx, "nope")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("job lifecycle", func() {
		BeforeEach(func() {
			Expect(store.CreateJob(ctx, newQueuedJob("job-1", now))).To(Succeed())
		})

		It("rejects a duplicate id", func() {
			err := store.CreateJob(ctx, newQueuedJob("job-1", now))
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})

		It("acquires a queued job once", func() {
			job, err := store.AcquireJob(ctx, "job-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(models.JobProcessing))
			Expect(job.Attempts).To(Equal(1))
			Expect(job.StartedAt).NotTo(BeNil())

			_, err = store.AcquireJob(ctx, "job-1", now)
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})

		It("lets exactly one of many concurrent workers acquire", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					if _, err := store.AcquireJob(ctx, "job-1", now); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			Expect(wins).To(Equal(1))
		})

		It("completes with a record atomically", func() {
			_, err := store.AcquireJob(ctx, "job-1", now)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.CompleteJob(ctx, newRecord("job-1", models.TypeGeneric, now, 1000), now)).To(Succeed())

			job, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(models.JobDone))
			_, err = store.GetInvoice(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses to complete a cancelled job and stores no record", func() {
			_, err := store.AcquireJob(ctx, "job-1", now)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CancelJob(ctx, "job-1", now)
			Expect(err).NotTo(HaveOccurred())

			err = store.CompleteJob(ctx, newRecord("job-1", models.TypeGeneric, now, 1000), now)
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
			_, err = store.GetInvoice(ctx, "job-1")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("requeues a processing job keeping the attempt count", func() {
			_, err := store.AcquireJob(ctx, "job-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.RequeueJob(ctx, "job-1", models.JobFailure{Message: "timeout", Kind: "recognition_timeout"}, now)).To(Succeed())

			job, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(models.JobQueued))
			Expect(job.Attempts).To(Equal(1))
			Expect(job.LastErrorKind).To(Equal("recognition_timeout"))
			Expect(job.StartedAt).To(BeNil())
		})

		It("does not cancel a finished job", func() {
			Expect(store.FailJob(ctx, "job-1", models.JobFailure{Message: "bad", Kind: "decode"}, now)).To(Succeed())
			_, err := store.CancelJob(ctx, "job-1", now)
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})
	})

	Describe("ReapStaleJobs", func() {
		It("fails expired leases that used every attempt and leaves live ones alone", func() {
			Expect(store.CreateJob(ctx, newQueuedJob("fresh", now))).To(Succeed())
			Expect(store.CreateJob(ctx, newQueuedJob("stale", now))).To(Succeed())
			Expect(store.CreateJob(ctx, newQueuedJob("spent", now))).To(Succeed())

			old := now.Add(-time.Hour)
			_, err := store.AcquireJob(ctx, "stale", old)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AcquireJob(ctx, "spent", old)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.AcquireJob(ctx, "fresh", now)
			Expect(err).NotTo(HaveOccurred())

			requeued, failed, err := store.ReapStaleJobs(ctx, now.Add(-10*time.Minute), 1, now)
			Expect(err).NotTo(HaveOccurred())
			// attempts is 1 for both stale jobs, so a ceiling of 1 fails them
			Expect(requeued).To(BeEmpty())
			Expect(failed).To(ConsistOf("stale", "spent"))

			job, err := store.GetJob(ctx, "fresh")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(models.JobProcessing))
		})

		It("returns jobs under the ceiling to queued", func() {
			Expect(store.CreateJob(ctx, newQueuedJob("stale", now))).To(Succeed())
			_, err := store.AcquireJob(ctx, "stale", now.Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())

			requeued, failed, err := store.ReapStaleJobs(ctx, now.Add(-10*time.Minute), 3, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued).To(ConsistOf("stale"))
			Expect(failed).To(BeEmpty())

			queued, err := store.ListJobsByStatus(ctx, models.JobQueued)
			Expect(err).NotTo(HaveOccurred())
			Expect(queued).To(HaveLen(1))
		})
	})
})
