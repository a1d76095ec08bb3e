package receipt

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Session", func() {
	var (
		session *Session
		gen     uint64
	)

	BeforeEach(func() {
		session = NewSession()
		var err error
		gen, err = session.begin("run-1", func() {})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("begin", func() {
		It("should move to normalizing", func() {
			Expect(session.Snapshot().State).To(Equal(StateNormalizing))
			Expect(session.Snapshot().RunID).To(Equal("run-1"))
		})

		It("returns an error while a run is active", func() {
			_, err := session.begin("run-2", func() {})
			Expect(err).To(MatchError(ErrRunInProgress))
		})

		It("should clear the previous results once the run has finished", func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})).To(Succeed())
			Expect(session.transition(gen, StateSuccess, "done")).To(Succeed())

			_, err := session.begin("run-2", func() {})
			Expect(err).NotTo(HaveOccurred())
			snap := session.Snapshot()
			Expect(snap.Receipts).To(BeEmpty())
			Expect(snap.Entries).To(BeEmpty())
			Expect(snap.Status).To(BeEmpty())
		})
	})

	Describe("appendBatch", func() {
		It("should make records and entries visible together", func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a"}, {ID: "b"}}, []JournalEntry{{ID: "a"}, {ID: "b"}})).To(Succeed())
			snap := session.Snapshot()
			Expect(recordIDs(snap.Receipts)).To(Equal([]string{"a", "b"}))
			Expect(entryIDs(snap.Entries)).To(Equal([]string{"a", "b"}))
		})

		It("returns an error when the id sets differ", func() {
			err := session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "b"}})
			Expect(err).To(HaveOccurred())
			Expect(session.Snapshot().Receipts).To(BeEmpty())
		})

		It("returns an error when the counts differ", func() {
			err := session.appendBatch(gen, []Record{{ID: "a"}}, nil)
			Expect(err).To(HaveOccurred())
		})

		It("returns an error for an id already in the session", func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})).To(Succeed())
			err := session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})
			Expect(err).To(HaveOccurred())
			Expect(session.Snapshot().Receipts).To(HaveLen(1))
		})

		It("returns an error for a discarded run", func() {
			session.Reset()
			err := session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})
			Expect(err).To(MatchError(errStaleRun))
			Expect(session.Snapshot().Receipts).To(BeEmpty())
		})
	})

	Describe("fail", func() {
		It("should keep earlier results", func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})).To(Succeed())
			Expect(session.fail(gen, "エラーが発生しました。", MessageQuota)).To(Succeed())

			snap := session.Snapshot()
			Expect(snap.State).To(Equal(StateError))
			Expect(snap.Error).To(Equal(MessageQuota))
			Expect(snap.Receipts).To(HaveLen(1))
		})
	})

	Describe("Reset", func() {
		It("should cancel the running extraction", func() {
			ctx, cancel := context.WithCancel(context.Background())
			session = NewSession()
			_, err := session.begin("run-1", cancel)
			Expect(err).NotTo(HaveOccurred())

			session.Reset()
			Expect(ctx.Err()).To(MatchError(context.Canceled))
		})

		It("should return to idle with nothing in it", func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})).To(Succeed())
			session.Reset()

			snap := session.Snapshot()
			Expect(snap.State).To(Equal(StateIdle))
			Expect(snap.RunID).To(BeEmpty())
			Expect(snap.Receipts).To(BeEmpty())
			_, err := session.Entry("a")
			Expect(err).To(MatchError(ErrEntryNotFound))
		})
	})

	Describe("cancelRun", func() {
		It("should cancel the extraction and keep the session", func() {
			ctx, cancel := context.WithCancel(context.Background())
			session = NewSession()
			gen, err := session.begin("run-1", cancel)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a"}})).To(Succeed())

			session.cancelRun()

			Expect(ctx.Err()).To(MatchError(context.Canceled))
			Expect(session.Snapshot().RunID).To(Equal("run-1"))
			Expect(session.Snapshot().Receipts).To(HaveLen(1))
			_, ok := session.meta(gen)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("restore", func() {
		var stored *StoredSession

		BeforeEach(func() {
			stored = &StoredSession{
				Meta:    RunMeta{RunID: "run-7", State: string(StateSuccess), Status: "2件のレシートを読み取りました。"},
				Records: []Record{{ID: "a"}, {ID: "b"}},
				Entries: []JournalEntry{{ID: "a"}, {ID: "b"}},
			}
		})

		It("should load the stored run", func() {
			Expect(session.restore(stored, MessageInterrupted)).To(Succeed())
			snap := session.Snapshot()
			Expect(snap.RunID).To(Equal("run-7"))
			Expect(snap.State).To(Equal(StateSuccess))
			Expect(entryIDs(snap.Entries)).To(Equal([]string{"a", "b"}))
		})

		It("should mark an active run as interrupted", func() {
			stored.Meta.State = string(StateExtracting)
			Expect(session.restore(stored, MessageInterrupted)).To(Succeed())
			Expect(session.Snapshot().State).To(Equal(StateError))
			Expect(session.Snapshot().Error).To(Equal(MessageInterrupted))
		})

		When("the records and entries do not match", func() {
			BeforeEach(func() {
				Expect(session.appendBatch(gen, []Record{{ID: "x"}}, []JournalEntry{{ID: "x"}})).To(Succeed())
				stored.Entries[1].ID = "c"
			})

			It("returns an error and leaves the session unchanged", func() {
				Expect(session.restore(stored, MessageInterrupted)).NotTo(Succeed())

				snap := session.Snapshot()
				Expect(snap.RunID).To(Equal("run-1"))
				Expect(snap.State).To(Equal(StateNormalizing))
				Expect(recordIDs(snap.Receipts)).To(Equal([]string{"x"}))
				_, ok := session.meta(gen)
				Expect(ok).To(BeTrue())
			})
		})
	})

	Describe("replaceEntry", func() {
		BeforeEach(func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a"}}, []JournalEntry{{ID: "a", Amount: 1}})).To(Succeed())
		})

		It("should replace the entry in place", func() {
			Expect(session.replaceEntry(JournalEntry{ID: "a", Amount: 2})).To(Succeed())
			e, err := session.Entry("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Amount).To(Equal(2.0))
		})

		It("returns an error for unknown ids", func() {
			Expect(session.replaceEntry(JournalEntry{ID: "zzz"})).To(MatchError(ErrEntryNotFound))
		})
	})

	Describe("Snapshot", func() {
		It("should not share memory with the session", func() {
			Expect(session.appendBatch(gen, []Record{{ID: "a", StoreName: "A"}}, []JournalEntry{{ID: "a"}})).To(Succeed())
			snap := session.Snapshot()
			snap.Receipts[0].StoreName = "changed"

			rec, err := session.Record("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.StoreName).To(Equal("A"))
		})
	})
})
