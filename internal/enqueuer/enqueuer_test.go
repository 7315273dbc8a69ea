package enqueuer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/observer/internal/enqueuer"
	"basegraph.app/observer/internal/model"
)

type pushCall struct {
	name     string
	priority model.Priority
}

// flakyPusher fails the first failFirst calls, then succeeds.
type flakyPusher struct {
	mu        sync.Mutex
	failFirst int
	calls     []pushCall
}

func (p *flakyPusher) Push(_ context.Context, name string, priority model.Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{name: name, priority: priority})
	if len(p.calls) <= p.failFirst {
		return errors.New("connection refused")
	}
	return nil
}

func (p *flakyPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

var _ = Describe("Retrying", func() {
	var (
		ctx        context.Context
		pusher     *flakyPusher
		fatalCount atomic.Int32
		delays     []time.Duration
		policy     enqueuer.RetryPolicy
	)

	newEnqueuer := func() *enqueuer.Retrying {
		return enqueuer.New(pusher, policy, nil,
			enqueuer.WithSleep(func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			}),
			enqueuer.WithOnFatal(func(error) { fatalCount.Add(1) }),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		pusher = &flakyPusher{}
		fatalCount.Store(0)
		delays = nil
		policy = enqueuer.RetryPolicy{
			MaxAttempts: 4,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    time.Second,
			Multiplier:  2,
		}
	})

	It("pushes once when the queue is healthy", func() {
		e := newEnqueuer()

		Expect(e.Enqueue(ctx, "react", model.PriorityHigh)).To(Succeed())
		Expect(pusher.calls).To(Equal([]pushCall{{name: "react", priority: model.PriorityHigh}}))
		Expect(delays).To(BeEmpty())
	})

	DescribeTable("succeeds iff failures are fewer than max attempts",
		func(failures int, wantSuccess bool) {
			pusher.failFirst = failures
			e := newEnqueuer()

			err := e.Enqueue(ctx, "lodash", model.PriorityLow)

			if wantSuccess {
				Expect(err).NotTo(HaveOccurred())
				Expect(pusher.count()).To(Equal(failures + 1))
				Expect(fatalCount.Load()).To(BeZero())
				Expect(e.Err()).To(BeNil())
				return
			}
			Expect(enqueuer.IsFatal(err)).To(BeTrue())
			Expect(pusher.count()).To(Equal(policy.MaxAttempts))
			Expect(fatalCount.Load()).To(Equal(int32(1)))
			Eventually(e.Fatal()).Should(BeClosed())
		},
		Entry("no failures", 0, true),
		Entry("K = max-1", 3, true),
		Entry("K = max", 4, false),
		Entry("K > max", 9, false),
	)

	It("backs off exponentially between attempts", func() {
		pusher.failFirst = 3
		e := newEnqueuer()

		Expect(e.Enqueue(ctx, "react", model.PriorityHigh)).To(Succeed())
		Expect(delays).To(Equal([]time.Duration{
			10 * time.Millisecond,
			20 * time.Millisecond,
			40 * time.Millisecond,
		}))
	})

	It("describes the package and cause in the fatal error", func() {
		pusher.failFirst = 100
		e := newEnqueuer()

		err := e.Enqueue(ctx, "left-pad", model.PriorityHigh)

		var fatal *enqueuer.FatalError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(fatal.Name).To(Equal("left-pad"))
		Expect(fatal.Priority).To(Equal(model.PriorityHigh))
		Expect(fatal.Attempts).To(Equal(4))
		Expect(fatal.Err).To(MatchError("connection refused"))
	})

	It("raises the fatal signal exactly once across concurrent exhaustions", func() {
		pusher.failFirst = 1000
		e := newEnqueuer()

		var wg sync.WaitGroup
		for _, name := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func(n string) {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(enqueuer.IsFatal(e.Enqueue(ctx, n, model.PriorityLow))).To(BeTrue())
			}(name)
		}
		wg.Wait()

		Expect(fatalCount.Load()).To(Equal(int32(1)))
	})

	It("fails fast once the fatal signal has fired", func() {
		pusher.failFirst = 4
		e := newEnqueuer()
		first := e.Enqueue(ctx, "a", model.PriorityLow)
		Expect(enqueuer.IsFatal(first)).To(BeTrue())

		second := e.Enqueue(ctx, "b", model.PriorityLow)

		Expect(second).To(Equal(first))
		Expect(pusher.count()).To(Equal(4))
	})

	It("rejects invalid input without pushing", func() {
		e := newEnqueuer()

		Expect(e.Enqueue(ctx, "", model.PriorityHigh)).To(MatchError(enqueuer.ErrInvalidName))
		Expect(e.Enqueue(ctx, "react", model.Priority(42))).To(MatchError(enqueuer.ErrInvalidPriority))
		Expect(pusher.count()).To(BeZero())
	})

	It("returns the context error when cancelled during backoff", func() {
		pusher.failFirst = 100
		cctx, cancel := context.WithCancel(ctx)
		e := enqueuer.New(pusher, policy, nil,
			enqueuer.WithSleep(func(c context.Context, _ time.Duration) error {
				cancel()
				return c.Err()
			}),
			enqueuer.WithOnFatal(func(error) { fatalCount.Add(1) }),
		)

		err := e.Enqueue(cctx, "react", model.PriorityHigh)

		Expect(err).To(MatchError(context.Canceled))
		Expect(enqueuer.IsFatal(err)).To(BeFalse())
		Expect(fatalCount.Load()).To(BeZero())
	})

	It("uses a real timer by default", func() {
		pusher.failFirst = 1
		e := enqueuer.New(pusher, enqueuer.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)

		Expect(e.Enqueue(ctx, "react", model.PriorityHigh)).To(Succeed())
		Expect(pusher.count()).To(Equal(2))
	})
})

var _ = Describe("RetryPolicy", func() {
	It("caps delays at MaxDelay", func() {
		b := enqueuer.RetryPolicy{
			MaxAttempts: 10,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    300 * time.Millisecond,
			Multiplier:  2,
		}.NewBackOff()

		Expect(b.NextBackOff()).To(Equal(100 * time.Millisecond))
		Expect(b.NextBackOff()).To(Equal(200 * time.Millisecond))
		Expect(b.NextBackOff()).To(Equal(300 * time.Millisecond))
		Expect(b.NextBackOff()).To(Equal(300 * time.Millisecond))
	})
})
