package sse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustParse(t *testing.T, line string) Event {
	t.Helper()
	ev, ok := ParseLine([]byte(line))
	require.True(t, ok, "line should parse: %s", line)
	return ev
}

func feed(t *testing.T, s *Session, lines ...string) ([]Piece, Outcome) {
	t.Helper()
	var all []Piece
	var last Outcome
	for _, l := range lines {
		last = s.Handle(mustParse(t, l))
		all = append(all, last.Pieces...)
	}
	return all, last
}

func TestParseLine(t *testing.T) {
	_, ok := ParseLine([]byte("event: ready"))
	assert.False(t, ok)
	_, ok = ParseLine([]byte("data: {not json"))
	assert.False(t, ok)
	_, ok = ParseLine([]byte(`data: "just a string"`))
	assert.False(t, ok)

	ev := mustParse(t, "data: [DONE]")
	assert.True(t, ev.Done)

	ev = mustParse(t, `data: {"p":"response/content","o":"APPEND","v":"hi"}`)
	assert.Equal(t, "response/content", ev.Path)
	assert.Equal(t, "APPEND", ev.Operation)
	assert.Equal(t, Value{Kind: String, Str: "hi"}, ev.Value)

	ev = mustParse(t, `data:{"code":"content_filter"}`)
	assert.Equal(t, "content_filter", ev.Code)
	assert.Equal(t, Absent, ev.Value.Kind)

	ev = mustParse(t, `data: {"v":null}`)
	assert.Equal(t, Other, ev.Value.Kind)
}

func TestResponseStatusFinished(t *testing.T) {
	s := NewSession(false, false)
	pieces, out := feed(t, s, `data: {"p":"response/status","v":"FINISHED"}`)
	assert.Empty(t, pieces)
	assert.True(t, out.Finished)
	assert.True(t, s.Finished())

	out = s.Handle(mustParse(t, `data: {"v":"late"}`))
	assert.Empty(t, out.Pieces, "nothing is emitted after finish")
}

func TestAlternateFinishSignals(t *testing.T) {
	for _, line := range []string{
		`data: {"v":"FINISHED"}`,
		`data: {"p":"status","v":"FINISHED"}`,
		`data: {"p":"response","o":"BATCH","v":[{"p":"content","v":"dropped"},{"p":"status","v":"FINISHED"}]}`,
	} {
		s := NewSession(false, false)
		out := s.Handle(mustParse(t, line))
		assert.True(t, out.Finished, line)
		assert.Empty(t, out.Pieces, line)
	}
}

func TestUpstreamDoneFinishes(t *testing.T) {
	s := NewSession(false, false)
	out := s.Handle(Event{Done: true})
	assert.True(t, out.Finished)
	assert.False(t, out.Filtered)
}

func TestContentFilter(t *testing.T) {
	for _, line := range []string{`data: {"code":"content_filter"}`, `data: {"error":{"msg":"blocked"},"v":"x"}`} {
		s := NewSession(false, false)
		out := s.Handle(mustParse(t, line))
		assert.True(t, out.Filtered, line)
		assert.True(t, out.Finished, line)
		assert.Empty(t, out.Pieces)
	}
}

func TestEventWithoutValueYieldsNothing(t *testing.T) {
	s := NewSession(true, false)
	out := s.Handle(mustParse(t, `data: {"p":"response/content"}`))
	assert.Equal(t, Outcome{}, out)
}

func TestThinkBatchThenFragmentContentIsThinking(t *testing.T) {
	s := NewSession(false, false)
	pieces, _ := feed(t, s,
		`data: {"p":"response","o":"BATCH","v":[{"p":"fragments","o":"APPEND","v":[{"id":1,"type":"THINK","content":"Let me"}]}]}`,
		`data: {"p":"response/fragments/-1/content","o":"APPEND","v":" think"}`,
	)
	assert.Equal(t, Thinking, s.Fragment())
	require.Len(t, pieces, 2)
	assert.Equal(t, Piece{Text: " think", Channel: Thinking}, pieces[1])
}

func TestReasonerStreamSwitchesToText(t *testing.T) {
	s := NewSession(true, false)
	pieces, out := feed(t, s,
		`data: {"v":{"response":{"message_id":2,"fragments":[]}}}`,
		`data: {"p":"response/fragments","o":"APPEND","v":[{"id":1,"type":"THINK","content":"Hmm"}]}`,
		`data: {"v":", ok"}`,
		`data: {"p":"response/fragments/-1/elapsed_secs","o":"SET","v":1.2}`,
		`data: {"p":"response/fragments","o":"APPEND","v":[{"id":2,"type":"RESPONSE","content":"Hello"}]}`,
		`data: {"v":" world"}`,
		`data: {"p":"response/status","o":"SET","v":"FINISHED"}`,
	)
	assert.True(t, out.Finished)
	assert.Equal(t, []Piece{
		{Text: "Hmm", Channel: Thinking},
		{Text: ", ok", Channel: Thinking},
		{Text: "Hello", Channel: Text},
		{Text: " world", Channel: Text},
	}, pieces)
}

func TestEmptyPathUsesTextWhenThinkingDisabled(t *testing.T) {
	s := NewSession(false, false)
	feed(t, s, `data: {"p":"response/fragments","o":"APPEND","v":[{"type":"THINK","content":""}]}`)
	assert.Equal(t, Thinking, s.Fragment())
	pieces, _ := feed(t, s, `data: {"v":"plain"}`)
	assert.Equal(t, []Piece{{Text: "plain", Channel: Text}}, pieces)
}

func TestExplicitPaths(t *testing.T) {
	s := NewSession(false, false)
	pieces, _ := feed(t, s,
		`data: {"p":"response/thinking_content","v":"why"}`,
		`data: {"p":"response/content","v":"what"}`,
		`data: {"p":"response/other","v":"else"}`,
	)
	assert.Equal(t, []Piece{
		{Text: "why", Channel: Thinking},
		{Text: "what", Channel: Text},
		{Text: "else", Channel: Text},
	}, pieces)
}

func TestBatchExtraction(t *testing.T) {
	s := NewSession(false, false)
	line := `data: {"p":"response","o":"BATCH","v":[` +
		`{"url":"https://x","title":"X","snippet":"s"},` +
		`{"p":"quasi_status","v":"busy"},` +
		`{"p":"thinking","v":"t1"},` +
		`{"p":"content","v":"c1"},` +
		`{"p":"misc","v":"FINISHED"},` +
		`{"content":"typed","type":"RESPONSE"},` +
		`{"content":"deftyped","type":"OTHER"},` +
		`{"p":"fragments","v":[{"type":"THINK","content":"n1"},{"content":"n2"},"n3",""]}` +
		`]}`
	pieces, out := feed(t, s, line)
	assert.False(t, out.Finished)
	assert.Equal(t, []Piece{
		{Text: "t1", Channel: Thinking},
		{Text: "c1", Channel: Text},
		{Text: "typed", Channel: Text},
		{Text: "deftyped", Channel: Text},
		{Text: "n1", Channel: Thinking},
		{Text: "n2", Channel: Text},
		{Text: "n3", Channel: Text},
	}, pieces)
}

func TestCitationsDroppedWhenSearching(t *testing.T) {
	s := NewSession(false, true)
	pieces, _ := feed(t, s,
		`data: {"p":"response/content","v":"[citation:1]"}`,
		`data: {"p":"response/content","v":"fact"}`,
	)
	assert.Equal(t, []Piece{{Text: "fact", Channel: Text}}, pieces)

	s = NewSession(false, false)
	pieces, _ = feed(t, s, `data: {"p":"response/content","v":"[citation:1]"}`)
	assert.Len(t, pieces, 1)
}

func TestSuppressedTable(t *testing.T) {
	for _, p := range []string{
		"response/search_status",
		"response/quasi_status",
		"response/fragments/-1/elapsed_secs",
		"response/accumulated_token_usage",
		"response/pending_fragment",
		"response/conversation_mode",
		"response/fragments/-2/status",
	} {
		assert.True(t, Suppressed(p), p)
	}
	for _, p := range []string{"", "response/search_status/extra", "response/status", "response/content"} {
		assert.False(t, Suppressed(p), p)
	}
}

func genValue(depth int) *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		choices := []string{"string", "number", "null", "bool"}
		if depth > 0 {
			choices = append(choices, "array", "object")
		}
		switch rapid.SampledFrom(choices).Draw(t, "kind") {
		case "string":
			return fmt.Sprintf("%q", rapid.SampledFrom([]string{"", "x", "FINISHED", "THINK"}).Draw(t, "s"))
		case "number":
			return fmt.Sprint(rapid.IntRange(-5, 5).Draw(t, "n"))
		case "null":
			return "null"
		case "bool":
			return "true"
		case "array":
			n := rapid.IntRange(0, 3).Draw(t, "len")
			parts := make([]string, n)
			for i := range parts {
				parts[i] = genValue(depth - 1).Draw(t, "item")
			}
			return "[" + strings.Join(parts, ",") + "]"
		default:
			key := rapid.SampledFrom([]string{"p", "v", "type", "content", "o"}).Draw(t, "key")
			return fmt.Sprintf(`{%q:%s}`, key, genValue(depth-1).Draw(t, "field"))
		}
	})
}

func TestSuppressedPathsNeverChangeStateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		thinking := rapid.Bool().Draw(t, "thinking")
		s := NewSession(thinking, false)
		before := s.Fragment()
		marker := rapid.SampledFrom([]string{"token_usage", "elapsed_secs", "quasi_status", "fragments/-1/status", "conversation_mode", "pending_fragment"}).Draw(t, "marker")
		path := "response/" + rapid.StringMatching(`[a-z/]{0,8}`).Draw(t, "prefix") + marker
		line := fmt.Sprintf(`data: {"p":%q,"v":%s}`, path, genValue(3).Draw(t, "v"))
		ev, ok := ParseLine([]byte(line))
		if !ok {
			t.Fatalf("generated line failed to parse: %s", line)
		}
		out := s.Handle(ev)
		if len(out.Pieces) != 0 || out.Finished || out.Filtered {
			t.Fatalf("suppressed event produced %+v", out)
		}
		if s.Fragment() != before {
			t.Fatalf("fragment changed from %s to %s", before, s.Fragment())
		}
	})
}
