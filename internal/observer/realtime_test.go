package observer_test

import (
	"context"
	"errors"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/observer/internal/enqueuer"
	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/observer"
)

func change(seq int64, name string) model.ChangeEvent {
	return model.ChangeEvent{Seq: seq, Name: name, Kind: model.ChangeUpdated}
}

var _ = Describe("Realtime", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		feed    *fakeFeed
		cursors *fakeCursorStore
		enq     *fakeEnqueuer
		cfg     observer.RealtimeConfig
		errCh   chan error
	)

	start := func() *observer.Realtime {
		r := observer.NewRealtime(feed, cursors, enq, cfg, nil)
		errCh = make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			errCh <- r.Run(ctx)
		}()
		return r
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		feed = &fakeFeed{}
		cursors = &fakeCursorStore{}
		enq = &fakeEnqueuer{}
		cfg = observer.RealtimeConfig{
			DefaultSeq:     0,
			IgnorePrefixes: []string{"_design/"},
			Reconnect: enqueuer.RetryPolicy{
				BaseDelay: time.Millisecond,
				MaxDelay:  5 * time.Millisecond,
			},
		}
	})

	AfterEach(func() {
		cancel()
	})

	It("starts from the default seq and persists the first event's seq", func() {
		feed.conns = []fakeConn{{events: []model.ChangeEvent{change(42, "react")}}}

		r := start()

		Eventually(cursors.Saved).Should(Equal([]int64{42}))
		Expect(feed.Sinces()).To(Equal([]int64{0}))
		Expect(enq.Calls()).To(Equal([]enqueueCall{{Name: "react", Priority: model.PriorityHigh}}))
		Expect(r.Cursor()).To(Equal(int64(42)))
		Expect(r.State()).To(Equal(observer.StateStreaming))

		cancel()
		Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		Expect(r.State()).To(Equal(observer.StateStopped))
	})

	It("advances the cursor to the sequence of each enqueued event in order", func() {
		feed.conns = []fakeConn{{events: []model.ChangeEvent{
			change(3, "a"), change(5, "b"), change(9, "c"),
		}}}

		r := start()

		Eventually(cursors.Saved).Should(Equal([]int64{3, 5, 9}))
		Expect(enq.Calls()).To(Equal([]enqueueCall{
			{Name: "a", Priority: model.PriorityHigh},
			{Name: "b", Priority: model.PriorityHigh},
			{Name: "c", Priority: model.PriorityHigh},
		}))
		Expect(r.Cursor()).To(Equal(int64(9)))
	})

	It("never persists past an event whose enqueue failed fatally", func() {
		fatal := &enqueuer.FatalError{Name: "b", Priority: model.PriorityHigh, Attempts: 3, Err: errors.New("down")}
		enq.fn = func(_ context.Context, name string, _ model.Priority) error {
			if name == "b" {
				return fatal
			}
			return nil
		}
		feed.conns = []fakeConn{{events: []model.ChangeEvent{
			change(1, "a"), change(2, "b"), change(3, "c"),
		}}}

		r := start()

		Eventually(errCh).Should(Receive(Equal(error(fatal))))
		Expect(cursors.Saved()).To(Equal([]int64{1}))
		Expect(r.Cursor()).To(Equal(int64(1)))
		Expect(enq.Calls()).To(Equal([]enqueueCall{{Name: "a", Priority: model.PriorityHigh}}))
	})

	It("resumes after a persisted cursor without reprocessing", func() {
		cursors.loadFn = func(context.Context) (int64, error) { return 10, nil }
		feed.conns = []fakeConn{{events: []model.ChangeEvent{
			change(9, "old"), change(10, "current"), change(11, "next"), change(12, "later"),
		}}}

		start()

		Eventually(cursors.Saved).Should(Equal([]int64{11, 12}))
		Expect(feed.Sinces()).To(Equal([]int64{10}))
		Expect(enq.Calls()).To(Equal([]enqueueCall{
			{Name: "next", Priority: model.PriorityHigh},
			{Name: "later", Priority: model.PriorityHigh},
		}))
	})

	It("advances past design documents without enqueuing them", func() {
		feed.conns = []fakeConn{{events: []model.ChangeEvent{
			change(1, "_design/app"), change(2, ""), change(3, "react"),
		}}}

		start()

		Eventually(cursors.Saved).Should(Equal([]int64{1, 2, 3}))
		Expect(enq.Calls()).To(Equal([]enqueueCall{{Name: "react", Priority: model.PriorityHigh}}))
	})

	It("reconnects from the last cursor when the feed drops", func() {
		feed.conns = []fakeConn{
			{err: errors.New("dial tcp: connection refused")},
			{events: []model.ChangeEvent{change(1, "a"), change(2, "b")}, end: io.EOF},
			{events: []model.ChangeEvent{change(2, "b"), change(3, "c")}, end: errors.New("connection reset")},
		}

		r := start()

		Eventually(cursors.Saved).Should(Equal([]int64{1, 2, 3}))
		Eventually(feed.Sinces).Should(Equal([]int64{0, 0, 2, 3}))
		Eventually(r.State).Should(Equal(observer.StateStreaming))
		Expect(enq.Calls()).To(HaveLen(3))
	})

	It("fails after a bounded number of reconnect attempts", func() {
		cfg.Reconnect.MaxAttempts = 2
		feed.conns = []fakeConn{
			{err: errors.New("503")},
			{err: errors.New("503")},
			{err: errors.New("503")},
			{err: errors.New("503")},
		}

		r := start()

		Eventually(errCh).Should(Receive(MatchError(observer.ErrReconnectExhausted)))
		Expect(r.State()).To(Equal(observer.StateFailed))
		Expect(feed.Sinces()).To(HaveLen(3))
	})

	It("keeps streaming when a cursor save fails", func() {
		cursors.saveFn = func(_ context.Context, seq int64) error {
			if seq == 1 {
				return errors.New("db down")
			}
			return nil
		}
		feed.conns = []fakeConn{{events: []model.ChangeEvent{change(1, "a"), change(2, "b")}}}

		r := start()

		Eventually(cursors.Saved).Should(Equal([]int64{2}))
		Expect(r.Cursor()).To(Equal(int64(2)))
		Expect(enq.Calls()).To(HaveLen(2))
	})

	It("does not persist the cursor for an enqueue interrupted by shutdown", func() {
		blocked := make(chan struct{})
		enq.fn = func(c context.Context, _ string, _ model.Priority) error {
			close(blocked)
			<-c.Done()
			return c.Err()
		}
		feed.conns = []fakeConn{{events: []model.ChangeEvent{change(7, "react")}}}

		start()

		Eventually(blocked).Should(BeClosed())
		cancel()

		Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		Expect(cursors.Saved()).To(BeEmpty())
	})

	It("retries loading the cursor until the store answers", func() {
		attempts := 0
		cursors.loadFn = func(context.Context) (int64, error) {
			attempts++
			if attempts < 3 {
				return 0, errors.New("db starting up")
			}
			return 5, nil
		}
		feed.conns = []fakeConn{{events: []model.ChangeEvent{change(6, "react")}}}

		start()

		Eventually(cursors.Saved).Should(Equal([]int64{6}))
		Expect(feed.Sinces()).To(Equal([]int64{5}))
	})
})
