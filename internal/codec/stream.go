// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package codec

import (
	"github.com/tj800x/aichat/internal/chat"
)

// Stream is a lazy, finite, non-restartable sequence of normalized events
// decoded from one provider response. The producer function is pulled once
// per Next call; after it yields a terminal event (Done or Error) the
// stream latches closed and Next reports ok=false forever.
type Stream struct {
	produce func() chat.Event
	done    bool
}

// NewStream wraps a producer function. The producer must eventually return
// a terminal event; returning Delta/Meta/Usage events forever would hang
// the consumer.
func NewStream(produce func() chat.Event) *Stream {
	return &Stream{produce: produce}
}

// Next pulls the next event. ok is false once the terminal event has been
// delivered; no events ever follow a Done or Error.
func (s *Stream) Next() (ev chat.Event, ok bool) {
	if s.done {
		return chat.Event{}, false
	}
	ev = s.produce()
	if ev.Terminal() {
		s.done = true
	}
	return ev, true
}

// Drain consumes the remaining events, invoking fn for each, and returns
// the terminal event. Used by callers that prefer callback delivery.
func (s *Stream) Drain(fn func(chat.Event)) chat.Event {
	var last chat.Event
	for {
		ev, ok := s.Next()
		if !ok {
			return last
		}
		if fn != nil {
			fn(ev)
		}
		last = ev
	}
}
