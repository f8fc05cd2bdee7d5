package pqueue_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hundeboll/rlncd/internal/pqueue"
)

func TestPQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pqueue suite")
}

var _ = Describe("Queue", func() {
	It("drains strictly by priority band, FIFO within a band", func() {
		q := pqueue.New[int](4)
		pushes := []struct{ prio, val int }{
			{0, 0}, {1, 1}, {2, 2}, {3, 3}, {2, 2},
			{1, 1}, {0, 0}, {1, 1}, {2, 2}, {0, 0},
		}
		for _, p := range pushes {
			q.Push(p.prio, p.val)
		}

		var seen []int
		for !q.Empty() {
			seen = append(seen, q.Top())
			q.Pop()
		}

		Expect(seen).To(HaveLen(len(pushes)))
		Expect(seen[0]).To(Equal(3))
		for i := 1; i < len(seen); i++ {
			// band index is not recoverable from the value alone here, but
			// priority-descending drain guarantees every band-3 element
			// precedes every band-2, which precedes every band-1, etc.
			// With this particular payload (value == its own priority or
			// 0), the sequence of values must be non-increasing once all
			// same-priority runs are accounted for.
			Expect(seen[i]).To(BeNumerically("<=", seen[i-1]))
		}
	})

	It("returns the caller-supplied default on empty Top", func() {
		q := pqueue.NewWithDefault[int](2, -1)
		Expect(q.Top()).To(Equal(-1))
		Expect(q.Empty()).To(BeTrue())
	})

	It("reports the next priority band and size", func() {
		q := pqueue.New[string](3)
		Expect(q.PriorityNext()).To(Equal(3))
		q.Push(0, "low")
		q.Push(2, "high")
		Expect(q.PriorityNext()).To(Equal(2))
		Expect(q.Size()).To(Equal(2))
		q.Pop()
		Expect(q.Top()).To(Equal("low"))
	})

	It("iterates highest-to-lowest, FIFO within a band", func() {
		q := pqueue.New[int](3)
		q.Push(0, 1)
		q.Push(2, 10)
		q.Push(0, 2)
		q.Push(2, 20)

		var got []int
		q.Each(func(v int) { got = append(got, v) })
		Expect(got).To(Equal([]int{10, 20, 1, 2}))
	})

	It("clears all bands", func() {
		q := pqueue.New[int](2)
		q.Push(0, 1)
		q.Push(1, 2)
		q.Clear()
		Expect(q.Empty()).To(BeTrue())
		Expect(q.Size()).To(Equal(0))
	})
})
