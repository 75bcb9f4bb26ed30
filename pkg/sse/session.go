package sse

import "strings"

const finished = "FINISHED"

type Piece struct {
	Text    string
	Channel Channel
}

type Outcome struct {
	Pieces []Piece
	// Finished is set once the upstream signalled the end of the answer.
	Finished bool
	// Filtered is set when the upstream blocked the answer.
	Filtered bool
}

// Session holds the per-stream classification state. It is not safe for
// concurrent use.
type Session struct {
	thinking bool
	search   bool
	fragment Channel
	done     bool
}

func NewSession(thinking, search bool) *Session {
	s := &Session{thinking: thinking, search: search, fragment: Text}
	if thinking {
		s.fragment = Thinking
	}
	return s
}

// Fragment is the currently tracked fragment channel.
func (s *Session) Fragment() Channel {
	return s.fragment
}

func (s *Session) Finished() bool {
	return s.done
}

// Handle classifies ev. Events after the stream finished are ignored.
func (s *Session) Handle(ev Event) Outcome {
	if s.done {
		return Outcome{Finished: true}
	}
	if ev.Done {
		s.done = true
		return Outcome{Finished: true}
	}
	if ev.HasError || ev.Code == "content_filter" {
		s.done = true
		return Outcome{Finished: true, Filtered: true}
	}
	if ev.Value.Kind == Absent {
		return Outcome{}
	}
	if Suppressed(ev.Path) {
		return Outcome{}
	}
	if ev.Path == "response/status" && ev.Value.IsString(finished) {
		s.done = true
		return Outcome{Finished: true}
	}

	s.trackFragments(ev)
	ch := s.channelFor(ev.Path)

	var pieces []Piece
	switch ev.Value.Kind {
	case String:
		if ev.Value.Str == finished && (ev.Path == "" || ev.Path == "status") {
			s.done = true
			return Outcome{Finished: true}
		}
		if ev.Value.Str != "" {
			pieces = append(pieces, Piece{Text: ev.Value.Str, Channel: ch})
		}
	case Array:
		extracted, fin := extract(ev.Value.Items, ch)
		if fin {
			s.done = true
			return Outcome{Finished: true}
		}
		pieces = extracted
	}
	return Outcome{Pieces: s.filterCitations(pieces)}
}

func (s *Session) trackFragments(ev Event) {
	if ev.Value.Kind != Array {
		return
	}
	if ev.Path == "response" {
		for _, op := range ev.Value.Items {
			if op.Field("p").IsString("fragments") && op.Field("o").IsString("APPEND") {
				s.applyFragmentTypes(op.Field("v"))
			}
		}
	}
	if strings.Contains(ev.Path, "response/fragments") {
		s.applyFragmentTypes(ev.Value)
	}
}

func (s *Session) applyFragmentTypes(frags Value) {
	for _, frag := range frags.Items {
		if frag.Kind != Object {
			continue
		}
		if ch, ok := channelOfType(frag.Field("type").Text()); ok {
			s.fragment = ch
		}
	}
}

func (s *Session) channelFor(path string) Channel {
	switch {
	case path == "response/thinking_content":
		return Thinking
	case path == "response/content":
		return Text
	case strings.Contains(path, "response/fragments") && strings.Contains(path, "/content"):
		return s.fragment
	case path == "":
		if s.thinking {
			return s.fragment
		}
		return Text
	default:
		return Text
	}
}

func (s *Session) filterCitations(pieces []Piece) []Piece {
	if !s.search || len(pieces) == 0 {
		return pieces
	}
	out := pieces[:0]
	for _, p := range pieces {
		if strings.HasPrefix(p.Text, "[citation:") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// extract walks a batch of items. fin is true when an item carried the
// status FINISHED marker, in which case nothing from the batch is emitted.
func extract(items []Value, fallback Channel) (pieces []Piece, fin bool) {
	for _, item := range items {
		if item.Kind != Object {
			continue
		}
		if item.Has("url") && item.Has("title") {
			continue
		}
		path := item.Field("p").Text()
		v := item.Field("v")
		if path == "status" && v.IsString(finished) {
			return nil, true
		}
		if Suppressed(path) {
			continue
		}
		if p, ok := typedContent(item, fallback); ok {
			pieces = append(pieces, p)
			continue
		}
		ch := itemChannel(path, fallback)
		switch v.Kind {
		case String:
			if v.Str != "" && v.Str != finished {
				pieces = append(pieces, Piece{Text: v.Str, Channel: ch})
			}
		case Array:
			for _, inner := range v.Items {
				switch inner.Kind {
				case Object:
					innerCh := ch
					if tc, ok := channelOfType(inner.Field("type").Text()); ok {
						innerCh = tc
					}
					if text := inner.Field("content").Text(); text != "" {
						pieces = append(pieces, Piece{Text: text, Channel: innerCh})
					}
				case String:
					if inner.Str != "" {
						pieces = append(pieces, Piece{Text: inner.Str, Channel: ch})
					}
				}
			}
		}
	}
	return pieces, false
}

// typedContent handles items shaped {content, type}.
func typedContent(item Value, fallback Channel) (Piece, bool) {
	if !item.Has("content") || !item.Has("type") {
		return Piece{}, false
	}
	text := item.Field("content").Text()
	if text == "" {
		return Piece{}, false
	}
	ch, ok := channelOfType(item.Field("type").Text())
	if !ok {
		ch = fallback
	}
	return Piece{Text: text, Channel: ch}, true
}
