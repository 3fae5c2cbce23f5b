package mesh

import "encoding/json"

// CandidateBuffer holds connectivity candidates that arrived before
// the owning peer session had an applied remote description. Candidates
// are replayed in arrival order, exactly once, by draining the buffer
// right after the remote description is applied. Owned by a single
// goroutine; no locking.
type CandidateBuffer struct {
	pending []json.RawMessage
}

func (b *CandidateBuffer) Push(c json.RawMessage) {
	b.pending = append(b.pending, c)
}

// Drain returns all buffered candidates in arrival order and empties
// the buffer, so a second drain replays nothing.
func (b *CandidateBuffer) Drain() []json.RawMessage {
	out := b.pending
	b.pending = nil
	return out
}

func (b *CandidateBuffer) Len() int {
	return len(b.pending)
}
