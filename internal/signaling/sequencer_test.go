package signaling

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqMsg(from, session string, seq uint64) *Message {
	return &Message{Type: TypeICECandidate, From: from, Session: session, Seq: seq}
}

func seqs(msgs []*Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func TestSequencer_InOrderPassesThrough(t *testing.T) {
	s := NewSequencer(0, 0)

	for i := uint64(1); i <= 5; i++ {
		out := s.Push(seqMsg("alice", "s1", i))
		require.Len(t, out, 1)
		assert.Equal(t, i, out[0].Seq)
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSequencer_FirstSeenStartsStream(t *testing.T) {
	s := NewSequencer(0, 0)

	out := s.Push(seqMsg("alice", "s1", 41))
	assert.Equal(t, []uint64{41}, seqs(out))

	out = s.Push(seqMsg("alice", "s1", 42))
	assert.Equal(t, []uint64{42}, seqs(out))
}

func TestSequencer_HoldsUntilGapFills(t *testing.T) {
	s := NewSequencer(0, 0)

	assert.Equal(t, []uint64{1}, seqs(s.Push(seqMsg("alice", "s1", 1))))
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 3)))
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 4)))
	assert.Equal(t, 2, s.Pending())

	out := s.Push(seqMsg("alice", "s1", 2))
	assert.Equal(t, []uint64{2, 3, 4}, seqs(out))
	assert.Equal(t, 0, s.Pending())
}

func TestSequencer_DropsDuplicatesAndStale(t *testing.T) {
	s := NewSequencer(0, 0)

	s.Push(seqMsg("alice", "s1", 1))
	s.Push(seqMsg("alice", "s1", 2))

	assert.Empty(t, s.Push(seqMsg("alice", "s1", 2)))
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 1)))

	s.Push(seqMsg("alice", "s1", 5))
	s.Push(seqMsg("alice", "s1", 5))
	assert.Equal(t, 1, s.Pending())
}

func TestSequencer_SkipsGapWhenTooManyHeld(t *testing.T) {
	s := NewSequencer(2, time.Hour)

	s.Push(seqMsg("alice", "s1", 1))
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 3)))
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 4)))

	// third held message exceeds the limit; 2 is given up on
	out := s.Push(seqMsg("alice", "s1", 6))
	assert.Equal(t, []uint64{3, 4}, seqs(out))
	assert.Equal(t, 1, s.Pending())

	// late arrival of the skipped message is stale now
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 2)))
}

func TestSequencer_ExpireReleasesAfterHold(t *testing.T) {
	s := NewSequencer(0, time.Second)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Push(seqMsg("alice", "s1", 1))
	s.Push(seqMsg("alice", "s1", 3))
	s.Push(seqMsg("alice", "s1", 4))

	now = now.Add(500 * time.Millisecond)
	assert.Empty(t, s.Expire())

	now = now.Add(600 * time.Millisecond)
	assert.Equal(t, []uint64{3, 4}, seqs(s.Expire()))
	assert.Equal(t, 0, s.Pending())

	assert.Equal(t, []uint64{5}, seqs(s.Push(seqMsg("alice", "s1", 5))))
}

func TestSequencer_ExpireDropsIdleStreams(t *testing.T) {
	s := NewSequencer(0, time.Second)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		s.Push(seqMsg("alice", fmt.Sprintf("tab-%d", i), 1))
	}
	s.Push(seqMsg("bob", "s1", 1))
	s.Push(seqMsg("bob", "s1", 3))
	assert.Equal(t, 51, s.Streams())

	now = now.Add(500 * time.Millisecond)
	assert.Empty(t, s.Expire())
	assert.Equal(t, 51, s.Streams())

	// carol stays active while the others go quiet
	now = now.Add(400 * time.Millisecond)
	s.Push(seqMsg("carol", "s1", 1))
	now = now.Add(200 * time.Millisecond)

	// bob's held message is released, which counts as activity
	assert.Equal(t, []uint64{3}, seqs(s.Expire()))
	assert.Equal(t, 2, s.Streams())
	assert.Equal(t, 0, s.Pending())

	// bob's stream still knows where it is
	assert.Empty(t, s.Push(seqMsg("bob", "s1", 3)))
	assert.Equal(t, []uint64{4}, seqs(s.Push(seqMsg("bob", "s1", 4))))

	now = now.Add(2 * time.Second)
	assert.Empty(t, s.Expire())
	assert.Equal(t, 0, s.Streams())

	// a forgotten session starts over at whatever arrives next
	assert.Equal(t, []uint64{9}, seqs(s.Push(seqMsg("alice", "tab-0", 9))))
	assert.Equal(t, 1, s.Streams())
}

func TestSequencer_StreamsAreIndependent(t *testing.T) {
	s := NewSequencer(0, 0)

	s.Push(seqMsg("alice", "s1", 1))
	assert.Empty(t, s.Push(seqMsg("alice", "s1", 3)))

	// a new session from the same sender starts its own stream
	assert.Equal(t, []uint64{1}, seqs(s.Push(seqMsg("alice", "s2", 1))))
	assert.Equal(t, []uint64{7}, seqs(s.Push(seqMsg("bob", "s9", 7))))
}

func TestSequencer_UnsequencedPassesThrough(t *testing.T) {
	s := NewSequencer(0, 0)

	s.Push(seqMsg("alice", "s1", 1))
	s.Push(seqMsg("alice", "s1", 3))

	out := s.Push(seqMsg("alice", "", 0))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0), out[0].Seq)
}
