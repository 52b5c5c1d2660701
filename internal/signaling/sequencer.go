package signaling

import (
	"sort"
	"time"
)

const (
	defaultMaxPending = 32
	defaultMaxHold    = 2 * time.Second
)

// Sequencer restores per-sender order. Each (sender, session) pair is an
// independent stream; the first sequence number seen starts the stream.
// Messages ahead of the expected number are held until the gap fills, until
// more than MaxPending are held, or until the oldest has waited MaxHold.
// Duplicates and stale messages are dropped. Unsequenced messages (Seq 0)
// pass straight through. A stream with nothing held is forgotten once it has
// been idle for MaxHold.
//
// A Sequencer is not safe for concurrent use.
type Sequencer struct {
	MaxPending int
	MaxHold    time.Duration

	streams map[string]*stream
	now     func() time.Time
}

type stream struct {
	next    uint64
	pending map[uint64]held
	last    time.Time
}

type held struct {
	msg *Message
	at  time.Time
}

// NewSequencer creates a sequencer with the given limits; zero values pick defaults
func NewSequencer(maxPending int, maxHold time.Duration) *Sequencer {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	if maxHold <= 0 {
		maxHold = defaultMaxHold
	}
	return &Sequencer{
		MaxPending: maxPending,
		MaxHold:    maxHold,
		streams:    make(map[string]*stream),
		now:        time.Now,
	}
}

func streamKey(msg *Message) string {
	return msg.From + "/" + msg.Session
}

// Push accepts one inbound message and returns those now ready, in order
func (s *Sequencer) Push(msg *Message) []*Message {
	if msg.Seq == 0 {
		return []*Message{msg}
	}

	key := streamKey(msg)
	st, ok := s.streams[key]
	if !ok {
		st = &stream{next: msg.Seq, pending: make(map[uint64]held)}
		s.streams[key] = st
	}
	st.last = s.now()

	switch {
	case msg.Seq < st.next:
		return nil
	case msg.Seq > st.next:
		if _, dup := st.pending[msg.Seq]; !dup {
			st.pending[msg.Seq] = held{msg: msg, at: s.now()}
		}
		var out []*Message
		for len(st.pending) > s.MaxPending {
			out = append(out, st.skip()...)
		}
		return out
	}

	st.next++
	return append([]*Message{msg}, st.flush()...)
}

// Expire releases streams whose oldest held message has waited longer than
// MaxHold and drops idle streams
func (s *Sequencer) Expire() []*Message {
	now := s.now()

	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*Message
	for _, k := range keys {
		st := s.streams[k]
		for len(st.pending) > 0 && now.Sub(st.oldest()) >= s.MaxHold {
			out = append(out, st.skip()...)
			st.last = now
		}
		if len(st.pending) == 0 && now.Sub(st.last) >= s.MaxHold {
			delete(s.streams, k)
		}
	}
	return out
}

// Streams returns the number of tracked sender sessions
func (s *Sequencer) Streams() int {
	return len(s.streams)
}

// Pending returns the number of held messages across all streams
func (s *Sequencer) Pending() int {
	n := 0
	for _, st := range s.streams {
		n += len(st.pending)
	}
	return n
}

// skip jumps over the gap to the lowest held message and flushes from there
func (st *stream) skip() []*Message {
	lowest := uint64(0)
	for seq := range st.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	st.next = lowest
	return st.flush()
}

func (st *stream) flush() []*Message {
	var out []*Message
	for {
		h, ok := st.pending[st.next]
		if !ok {
			return out
		}
		delete(st.pending, st.next)
		st.next++
		out = append(out, h.msg)
	}
}

func (st *stream) oldest() time.Time {
	var t time.Time
	for _, h := range st.pending {
		if t.IsZero() || h.at.Before(t) {
			t = h.at
		}
	}
	return t
}
