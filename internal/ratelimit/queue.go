package ratelimit

import "container/heap"

// requestQueue implements heap.Interface over pending requests.
// Higher priority pops first; equal priority pops in FIFO order by sequence
// number. Retried requests get negative sequence numbers so they re-enter at
// the front of their priority class.
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *requestQueue) Push(x any) {
	*q = append(*q, x.(*request))
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*q = old[0 : n-1]
	return req
}

func push(q *requestQueue, req *request) { heap.Push(q, req) }

func pop(q *requestQueue) *request {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*request)
}
