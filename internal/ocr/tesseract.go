package ocr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
)

const engineRemediation = "install tesseract-ocr with the Vietnamese language pack (tesseract-ocr-vie) or set ocr.binary / TESSERACT_BIN to its path"

// Result is the output of one recognition run.
type Result struct {
	Text string
	// Confidence is the mean word confidence in [0,1]; valid only when
	// HasConfidence is set.
	Confidence    float64
	HasConfidence bool
}

// Tesseract drives the tesseract CLI.
type Tesseract struct {
	cfg          models.OCRConfig
	runner       Runner
	preprocessor *Preprocessor
	logger       logging.Logger
}

// NewTesseract creates a recognition adapter. When cfg.Preprocess is set the
// image goes through ImageMagick first.
func NewTesseract(cfg models.OCRConfig, runner Runner, logger logging.Logger) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "vie+eng"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	t := &Tesseract{cfg: cfg, runner: runner, logger: logger}
	if cfg.Preprocess {
		t.preprocessor = NewPreprocessor(runner, logger)
	}
	return t
}

// Recognize extracts text from image. A zero timeout falls back to the
// configured one.
func (t *Tesseract) Recognize(ctx context.Context, image []byte, contentType string, timeout time.Duration) (*Result, error) {
	prepared, ext, err := Decode(contentType, image)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "invoice-*"+ext)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "creating temp file", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(prepared); err != nil {
		tmp.Close()
		return nil, apperr.Wrap(apperr.KindTransient, "writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "closing temp file", err)
	}

	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if t.preprocessor != nil {
		if enhanced := t.preprocessor.Enhance(ctx, path); enhanced != path {
			defer os.Remove(enhanced)
			path = enhanced
		}
	}

	stdout, stderr, err := t.runner.Run(ctx, t.cfg.Binary, t.args(path, "stdout")...)
	if err != nil {
		return nil, t.classify(ctx, err, stderr)
	}

	res := &Result{Text: Normalize(string(stdout))}

	if t.cfg.TSVConfidence {
		tsv, stderr, err := t.runner.Run(ctx, t.cfg.Binary, t.args(path, "stdout", "tsv")...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, t.classify(ctx, err, stderr)
			}
			t.logger.Warn(ctx, "tsv confidence pass failed", "error", err)
		} else if conf, ok := MeanConfidence(string(tsv)); ok {
			res.Confidence = conf
			res.HasConfidence = true
		}
	}

	t.logger.Debug(ctx, "recognition complete",
		"chars", len(res.Text),
		"confidence", res.Confidence,
		"has_confidence", res.HasConfidence,
	)
	return res, nil
}

// Version returns the first line of `tesseract --version`.
func (t *Tesseract) Version(ctx context.Context) (string, error) {
	stdout, stderr, err := t.runner.Run(ctx, t.cfg.Binary, "--version")
	if err != nil {
		return "", t.classify(ctx, err, stderr)
	}
	// Older builds print the version on stderr.
	out := string(stdout)
	if strings.TrimSpace(out) == "" {
		out = string(stderr)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line), nil
}

func (t *Tesseract) args(path string, extra ...string) []string {
	args := []string{path}
	args = append(args, extra[0])
	args = append(args, "-l", t.cfg.Language)
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	// configfiles (e.g. "tsv") go last
	args = append(args, extra[1:]...)
	return args
}

func (t *Tesseract) classify(ctx context.Context, err error, stderr []byte) error {
	msg := strings.ToLower(string(stderr))

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &apperr.Error{
			Kind:        apperr.KindEngineUnavailable,
			Message:     fmt.Sprintf("tesseract binary %q not found", t.cfg.Binary),
			Remediation: engineRemediation,
			Cause:       err,
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindRecognitionTimeout, "recognition timed out", err)
	case strings.Contains(msg, "failed loading language"),
		strings.Contains(msg, "could not initialize tesseract"):
		return &apperr.Error{
			Kind:        apperr.KindEngineUnavailable,
			Message:     "tesseract language data missing",
			Remediation: engineRemediation,
			Cause:       err,
		}
	case strings.Contains(msg, "pixreadstream"),
		strings.Contains(msg, "cannot be read"),
		strings.Contains(msg, "unsupported image"):
		return &apperr.Error{
			Kind:    apperr.KindDecode,
			Message: "engine could not read the image",
			Cause:   err,
		}
	}
	return apperr.Wrap(apperr.KindTransient, "tesseract failed", err)
}

// MeanConfidence averages the word confidences of tesseract TSV output
// (column 11, 0..100). Rows with conf -1 are structural and skipped.
func MeanConfidence(tsv string) (float64, bool) {
	var sum float64
	var n int
	for i, line := range strings.Split(tsv, "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		if strings.TrimSpace(cols[11]) == "" {
			continue
		}
		conf, err := strconv.ParseFloat(strings.TrimSpace(cols[10]), 64)
		if err != nil || conf < 0 {
			continue
		}
		sum += conf
		n++
	}
	if n == 0 {
		return 0, false
	}
	mean := sum / float64(n) / 100
	if mean > 1 {
		mean = 1
	}
	return mean, true
}
