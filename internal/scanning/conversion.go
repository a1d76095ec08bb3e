package scanning

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

const (
	// pdfBaseDPI is the resolution of a PDF page at scale 1.0
	pdfBaseDPI = 72.0
	// DefaultPDFScale is the upscale factor applied when rasterizing PDF pages
	DefaultPDFScale = 2.0
	// DefaultJPEGQuality is used whenever a page or image has to be re-encoded
	DefaultJPEGQuality = 90
)

// Rasterizer renders every page of a PDF document, in page order
type Rasterizer interface {
	Rasterize(pdfData []byte, scale float64) ([]image.Image, error)
}

// FitzRasterizer renders PDF pages with MuPDF
type FitzRasterizer struct{}

// Rasterize renders each page at pdfBaseDPI*scale
func (FitzRasterizer) Rasterize(pdfData []byte, scale float64) ([]image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]image.Image, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.ImageDPI(n, pdfBaseDPI*scale)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// encodeJPEG encodes an image as JPEG with the given quality
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// heicToJPEG converts a HEIC/HEIF image (common on iPhones) to JPEG
func heicToJPEG(imageData []byte, quality int) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}
	return encodeJPEG(img, quality)
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIC-related brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heix" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeContentType lowercases the declared type and strips parameters;
// an empty or generic type is replaced by one sniffed from the data
func normalizeContentType(contentType string, data []byte) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniffMIMEType(data)
	}
	return mimeType
}

func sniffMIMEType(data []byte) string {
	detected := mimetype.Detect(data).String()
	if i := strings.Index(detected, ";"); i != -1 {
		detected = detected[:i]
	}
	return detected
}

// imagePayload returns the bytes and MIME type to send for an image file
func imagePayload(data []byte, declared string, quality int) ([]byte, string, error) {
	if isHEICFormat(data) || isHEICMimeType(declared) {
		jpg, err := heicToJPEG(data, quality)
		if err != nil {
			return nil, "", err
		}
		return jpg, "image/jpeg", nil
	}

	mimeType := declared
	if detected := sniffMIMEType(data); strings.HasPrefix(detected, "image/") {
		mimeType = detected
	}
	return data, mimeType, nil
}

func toBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
