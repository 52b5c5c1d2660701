package call

import "github.com/pion/webrtc/v4"

// CandidateQueue holds remote ICE candidates that arrived before the remote
// description was applied. Owned by the manager loop; not safe for concurrent use.
type CandidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// Drain returns the queued candidates in arrival order and empties the queue
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	out := q.items
	q.items = nil
	return out
}

func (q *CandidateQueue) Clear() {
	q.items = nil
}

func (q *CandidateQueue) Len() int {
	return len(q.items)
}
