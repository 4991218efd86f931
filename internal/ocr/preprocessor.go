package ocr

import (
	"context"
	"os/exec"

	"github.com/facturaIA/invoice-intake-service/internal/logging"
)

// Preprocessor enhances an image with ImageMagick before recognition:
// resize, grayscale, contrast, denoise, sharpen.
type Preprocessor struct {
	runner Runner
	binary string
	logger logging.Logger
}

// NewPreprocessor picks 'magick' (ImageMagick 7) when available and falls back
// to 'convert' (ImageMagick 6).
func NewPreprocessor(runner Runner, logger logging.Logger) *Preprocessor {
	bin := "convert"
	if _, err := exec.LookPath("magick"); err == nil {
		bin = "magick"
	}
	return &Preprocessor{runner: runner, binary: bin, logger: logger}
}

// Enhance writes an enhanced copy of inputPath and returns its path. Any
// ImageMagick failure returns inputPath unchanged.
func (p *Preprocessor) Enhance(ctx context.Context, inputPath string) string {
	outputPath := inputPath + ".enhanced.png"
	args := []string{
		inputPath,
		// Resize if larger than 2000px (keeps aspect ratio)
		"-resize", "2000x2000>",
		"-colorspace", "Gray",
		"-normalize",
		"-contrast-stretch", "2%x1%",
		"-despeckle",
		"-sharpen", "0x1",
		"-unsharp", "0x0.5+0.5+0",
		outputPath,
	}

	if _, stderr, err := p.runner.Run(ctx, p.binary, args...); err != nil {
		p.logger.Warn(ctx, "image enhancement skipped", "error", err, "stderr", truncate(string(stderr), 512))
		return inputPath
	}
	return outputPath
}
