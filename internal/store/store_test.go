package store_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock/v4"

	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/store"
)

var _ = Describe("CursorStore", func() {
	var (
		ctx  context.Context
		mock pgxmock.PgxPoolIface
		cs   store.CursorStore
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		mock, err = pgxmock.NewPool()
		Expect(err).NotTo(HaveOccurred())
		cs = store.NewCursorStore(mock, "npm_changes")
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.Close()
	})

	It("loads a persisted cursor", func() {
		mock.ExpectQuery(`SELECT seq FROM observer_cursors`).
			WithArgs("npm_changes").
			WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(1234)))

		Expect(cs.Load(ctx)).To(Equal(int64(1234)))
	})

	It("returns ErrNotFound when nothing was saved", func() {
		mock.ExpectQuery(`SELECT seq FROM observer_cursors`).
			WithArgs("npm_changes").
			WillReturnRows(pgxmock.NewRows([]string{"seq"}))

		_, err := cs.Load(ctx)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("wraps database errors on load", func() {
		mock.ExpectQuery(`SELECT seq FROM observer_cursors`).
			WithArgs("npm_changes").
			WillReturnError(errors.New("connection reset"))

		_, err := cs.Load(ctx)
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
		Expect(errors.Is(err, store.ErrNotFound)).To(BeFalse())
	})

	It("upserts the cursor on save", func() {
		mock.ExpectExec(`INSERT INTO observer_cursors`).
			WithArgs("npm_changes", int64(42)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		Expect(cs.Save(ctx, 42)).To(Succeed())
	})
})

var _ = Describe("ResultStore", func() {
	var (
		ctx    context.Context
		mock   pgxmock.PgxPoolIface
		rs     store.ResultStore
		query  model.StaleQuery
		now    time.Time
		before time.Time
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		mock, err = pgxmock.NewPool()
		Expect(err).NotTo(HaveOccurred())
		rs = store.NewResultStore(mock)

		now = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
		before = now.Add(-30 * 24 * time.Hour)
		query = model.StaleQuery{Before: before, FailedBefore: now.Add(-24 * time.Hour), Limit: 10}
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.Close()
	})

	It("yields stale candidates lazily", func() {
		t1 := before.Add(-time.Hour)
		t2 := now.Add(-48 * time.Hour)
		mock.ExpectQuery(`SELECT name, finished_at, failed`).
			WithArgs(query.Before, query.FailedBefore, 10).
			WillReturnRows(pgxmock.NewRows([]string{"name", "finished_at", "failed"}).
				AddRow("react", t1, false).
				AddRow("left-pad", t2, true))

		var got []model.StaleCandidate
		for c, err := range rs.FindStale(ctx, query) {
			Expect(err).NotTo(HaveOccurred())
			got = append(got, c)
		}

		Expect(got).To(Equal([]model.StaleCandidate{
			{Name: "react", LastProcessedAt: t1},
			{Name: "left-pad", LastProcessedAt: t2, Failed: true},
		}))
	})

	It("stops reading when the consumer breaks early", func() {
		mock.ExpectQuery(`SELECT name, finished_at, failed`).
			WithArgs(query.Before, query.FailedBefore, 10).
			WillReturnRows(pgxmock.NewRows([]string{"name", "finished_at", "failed"}).
				AddRow("a", before, false).
				AddRow("b", before, false))

		count := 0
		for range rs.FindStale(ctx, query) {
			count++
			break
		}
		Expect(count).To(Equal(1))
	})

	It("yields the query error", func() {
		mock.ExpectQuery(`SELECT name, finished_at, failed`).
			WithArgs(query.Before, query.FailedBefore, 10).
			WillReturnError(errors.New("statement timeout"))

		var errs []error
		for _, err := range rs.FindStale(ctx, query) {
			errs = append(errs, err)
		}
		Expect(errs).To(HaveLen(1))
		Expect(errs[0]).To(MatchError(ContainSubstring("statement timeout")))
	})
})
