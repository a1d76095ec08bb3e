package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockRasterizer returns a fixed number of blank pages, or an error
type mockRasterizer struct {
	pages int
	err   error
	calls int
	scale float64
}

func (m *mockRasterizer) Rasterize(pdfData []byte, scale float64) ([]image.Image, error) {
	m.calls++
	m.scale = scale
	if m.err != nil {
		return nil, m.err
	}
	pages := make([]image.Image, m.pages)
	for i := range pages {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.Set(0, 0, color.RGBA{R: uint8(i), A: 255})
		pages[i] = img
	}
	return pages, nil
}

func pngBytes() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func sourceNames(images []Image) []string {
	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.SourceName
	}
	return names
}

var _ = Describe("Normalizer", func() {
	var (
		rasterizer *mockRasterizer
		policy     UnsupportedPolicy
		files      []File
		seen       []string
		result     *Normalized
		err        error
	)

	BeforeEach(func() {
		rasterizer = &mockRasterizer{pages: 3}
		policy = UnsupportedIgnore
		seen = nil
	})

	JustBeforeEach(func() {
		n := NewNormalizerWithRasterizer(rasterizer, policy)
		result, err = n.Normalize(context.Background(), files, func(f File) {
			seen = append(seen, f.Name)
		})
	})

	When("normalizing a single PNG image", func() {
		var data []byte

		BeforeEach(func() {
			data = pngBytes()
			files = []File{{Name: "receipt.png", ContentType: "image/png", Data: data}}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should produce exactly one image", func() {
			Expect(result.Images).To(HaveLen(1))
		})

		It("should use the file name as source name", func() {
			Expect(result.Images[0].SourceName).To(Equal("receipt.png"))
		})

		It("should detect the MIME type from the data", func() {
			Expect(result.Images[0].MIMEType).To(Equal("image/png"))
		})

		It("should base64 encode the original bytes", func() {
			Expect(result.Images[0].Base64Data).To(Equal(base64.StdEncoding.EncodeToString(data)))
		})
	})

	When("an image is declared without a content type", func() {
		BeforeEach(func() {
			files = []File{{Name: "scan", Data: pngBytes()}}
		})

		It("should sniff it as an image", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Images).To(HaveLen(1))
			Expect(result.Images[0].MIMEType).To(Equal("image/png"))
		})
	})

	When("an image cannot be sniffed", func() {
		BeforeEach(func() {
			files = []File{{Name: "photo.jpg", ContentType: "IMAGE/JPEG ", Data: []byte("fake image data")}}
		})

		It("should keep the declared MIME type", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Images[0].MIMEType).To(Equal("image/jpeg"))
		})
	})

	When("normalizing a multi-page PDF", func() {
		BeforeEach(func() {
			files = []File{{Name: "bills.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}}
		})

		It("should produce one image per page", func() {
			Expect(result.Images).To(HaveLen(3))
		})

		It("should name pages in ascending 1-indexed order", func() {
			Expect(sourceNames(result.Images)).To(Equal([]string{"bills.pdf-p1", "bills.pdf-p2", "bills.pdf-p3"}))
		})

		It("should re-encode pages as JPEG", func() {
			for _, img := range result.Images {
				Expect(img.MIMEType).To(Equal("image/jpeg"))
				data, decErr := base64.StdEncoding.DecodeString(img.Base64Data)
				Expect(decErr).NotTo(HaveOccurred())
				Expect(data[:2]).To(Equal([]byte{0xFF, 0xD8}))
			}
		})

		It("should render at the default scale", func() {
			Expect(rasterizer.scale).To(Equal(DefaultPDFScale))
		})
	})

	When("normalizing a mix of files", func() {
		BeforeEach(func() {
			rasterizer.pages = 2
			files = []File{
				{Name: "a.png", ContentType: "image/png", Data: pngBytes()},
				{Name: "b.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
				{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
				{Name: "c.jpg", ContentType: "image/jpeg", Data: []byte("fake")},
			}
		})

		It("should preserve input order with pages inline", func() {
			Expect(sourceNames(result.Images)).To(Equal([]string{"a.png", "b.pdf-p1", "b.pdf-p2", "c.jpg"}))
		})

		It("should report every file before processing it", func() {
			Expect(seen).To(Equal([]string{"a.png", "b.pdf", "notes.txt", "c.jpg"}))
		})

		It("should silently skip the unsupported file", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Skipped).To(BeEmpty())
		})
	})

	When("the warn policy is configured", func() {
		BeforeEach(func() {
			policy = UnsupportedWarn
			files = []File{
				{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
				{Name: "a.png", ContentType: "image/png", Data: pngBytes()},
			}
		})

		It("should list the skipped file", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Skipped).To(Equal([]string{"notes.txt"}))
			Expect(result.Images).To(HaveLen(1))
		})
	})

	When("the reject policy is configured", func() {
		BeforeEach(func() {
			policy = UnsupportedReject
			files = []File{
				{Name: "a.png", ContentType: "image/png", Data: pngBytes()},
				{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
			}
		})

		It("returns an unsupported file error naming the file", func() {
			Expect(err).To(MatchError(ErrUnsupportedFile))
			var fileErr *FileError
			Expect(errors.As(err, &fileErr)).To(BeTrue())
			Expect(fileErr.Name).To(Equal("notes.txt"))
		})

		It("returns no images", func() {
			Expect(result).To(BeNil())
		})
	})

	When("a PDF cannot be rendered", func() {
		var setupErr error

		BeforeEach(func() {
			setupErr = errors.New("broken xref")
			rasterizer.err = setupErr
			files = []File{
				{Name: "a.png", ContentType: "image/png", Data: pngBytes()},
				{Name: "broken.pdf", ContentType: "application/pdf", Data: []byte("nope")},
				{Name: "c.png", ContentType: "image/png", Data: pngBytes()},
			}
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(setupErr))
		})

		It("should name the failing file", func() {
			var fileErr *FileError
			Expect(errors.As(err, &fileErr)).To(BeTrue())
			Expect(fileErr.Name).To(Equal("broken.pdf"))
			Expect(fileErr.PDF).To(BeTrue())
		})

		It("should stop before later files", func() {
			Expect(seen).To(Equal([]string{"a.png", "broken.pdf"}))
			Expect(result).To(BeNil())
		})
	})
})

var _ = Describe("FitzRasterizer", func() {
	It("returns an error for data that is not a PDF", func() {
		_, err := FitzRasterizer{}.Rasterize([]byte("definitely not a pdf"), DefaultPDFScale)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseUnsupportedPolicy", func() {
	It("should default to ignore", func() {
		p, err := ParseUnsupportedPolicy("")
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(UnsupportedIgnore))
	})

	It("should accept known policies case-insensitively", func() {
		p, err := ParseUnsupportedPolicy("Reject")
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(UnsupportedReject))
	})

	It("returns an error for unknown policies", func() {
		_, err := ParseUnsupportedPolicy("explode")
		Expect(err).To(HaveOccurred())
	})
})
