package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"mime"
	"net/http"
	"strings"

	"github.com/gen2brain/heic"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
)

// Decode checks that data is a readable image and returns bytes tesseract can
// open plus a matching file extension. HEIC/HEIF and GIF are re-encoded as PNG.
// An unreadable image yields a decode error.
func Decode(contentType string, data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", decodeError(fmt.Errorf("empty image"))
	}

	if isHEICFormat(data) || isHEICMimeType(contentType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", decodeError(fmt.Errorf("decoding HEIC/HEIF image: %w", err))
		}
		out, err := encodePNG(img)
		if err != nil {
			return nil, "", decodeError(err)
		}
		return out, ".png", nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", decodeError(fmt.Errorf("decoding image: %w", err))
	}

	switch format {
	case "jpeg":
		return data, ".jpg", nil
	case "png":
		return data, ".png", nil
	default:
		out, err := encodePNG(img)
		if err != nil {
			return nil, "", decodeError(err)
		}
		return out, ".png", nil
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeError(cause error) error {
	return &apperr.Error{
		Kind:    apperr.KindDecode,
		Message: "image could not be decoded",
		Cause:   cause,
	}
}

// DetectContentType returns the canonical media type of an upload. A declared
// type wins unless it is empty or generic; otherwise the bytes are sniffed.
func DetectContentType(declared string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		declared = strings.ToLower(mt)
	} else {
		declared = strings.ToLower(strings.TrimSpace(declared))
	}

	switch declared {
	case "", "application/octet-stream":
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	default:
		return declared
	}

	if isHEICFormat(data) {
		if string(data[8:12]) == "heic" || string(data[8:12]) == "heix" {
			return "image/heic"
		}
		return "image/heif"
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

// isHEICFormat looks for an ftyp box with a HEIC-family brand.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
