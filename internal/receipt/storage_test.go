package receipt

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("LocalStorage", func() {
	var (
		base    string
		storage *LocalStorage
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		base = filepath.Join(GinkgoT().TempDir(), "archive")
		var err error
		storage, err = NewLocalStorage(base)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create the base directory", func() {
		info, err := os.Stat(base)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	It("should save into nested directories", func() {
		name, err := storage.Save(ctx, "sources/run-1/000_a.jpg", []byte("image"))
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("sources/run-1/000_a.jpg"))

		data, err := os.ReadFile(filepath.Join(base, "sources", "run-1", "000_a.jpg"))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("image")))
	})

	It("should delete files", func() {
		_, err := storage.Save(ctx, "a.txt", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.Delete(ctx, "a.txt")).To(Succeed())

		_, err = os.Stat(filepath.Join(base, "a.txt"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("should reject names outside the base directory", func() {
		_, err := storage.Save(ctx, "../escape.txt", []byte("x"))
		Expect(err).To(MatchError(ContainSubstring("invalid storage path")))
		Expect(storage.Delete(ctx, "/etc/passwd")).NotTo(Succeed())
		Expect(storage.Delete(ctx, "a/../../b")).NotTo(Succeed())
	})
})

var _ = Describe("S3Storage", func() {
	var (
		s3Server *ghttp.Server
		storage  *S3Storage
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		s3Server = ghttp.NewServer()

		var err error
		storage, err = NewS3Storage(ctx, S3Config{
			Bucket:          "receipts",
			Prefix:          "journal",
			Region:          "ap-northeast-1",
			Endpoint:        s3Server.URL(),
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		s3Server.Close()
	})

	It("should require a bucket", func() {
		_, err := NewS3Storage(ctx, S3Config{Region: "ap-northeast-1"})
		Expect(err).To(MatchError("bucket is required"))
	})

	It("should put objects under the prefix with path-style addressing", func() {
		s3Server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPut, "/receipts/journal/exports/a.csv"),
			func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Header.Get("Authorization")).To(ContainSubstring("Credential=test-key/"))
				Expect(r.Header.Get("Authorization")).To(ContainSubstring("/ap-northeast-1/s3/"))
			},
			ghttp.RespondWith(http.StatusOK, ""),
		))

		name, err := storage.Save(ctx, "exports/a.csv", []byte("data"))
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("exports/a.csv"))
		Expect(s3Server.ReceivedRequests()).To(HaveLen(1))
	})

	It("should delete objects", func() {
		s3Server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodDelete, "/receipts/journal/a.jpg"),
			ghttp.RespondWith(http.StatusNoContent, ""),
		))

		Expect(storage.Delete(ctx, "a.jpg")).To(Succeed())
	})

	When("the bucket does not exist", func() {
		BeforeEach(func() {
			s3Server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPut, "/receipts/journal/a.jpg"),
				ghttp.RespondWith(http.StatusNotFound, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchBucket</Code><Message>missing</Message></Error>`),
			))
		})

		It("returns an error", func() {
			_, err := storage.Save(ctx, "a.jpg", []byte("image"))
			Expect(err).To(MatchError(ContainSubstring("putting object")))
		})
	})
})
