// Package prompt turns OpenAI-shaped conversations into the single prompt
// string the DeepSeek chat endpoint accepts.
package prompt

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	assistantOpen  = "<｜Assistant｜>"
	assistantClose = "<｜end▁of▁sentence｜>"
	userOpen       = "<｜User｜>"
)

var markdownImage = regexp.MustCompile(`!\[(.*?)\]\((.*?)\)`)

// Message is one inbound chat message. Content is kept raw because clients
// send strings, typed-part arrays, or occasionally other JSON values.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Text builds a message with plain string content.
func Text(role, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Role: role, Content: b}
}

// Block is a message reduced to its role and flattened text.
type Block struct {
	Role string
	Text string
}

// Flatten returns the textual content of a message.
func Flatten(content json.RawMessage) string {
	if len(bytes.TrimSpace(content)) == 0 {
		return ""
	}
	res := gjson.ParseBytes(content)
	switch {
	case res.Type == gjson.Null:
		return ""
	case res.Type == gjson.String:
		return res.String()
	case res.IsArray():
		var texts []string
		res.ForEach(func(_, part gjson.Result) bool {
			if part.IsObject() && part.Get("type").String() == "text" {
				texts = append(texts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(texts, "\n")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		return strings.TrimSpace(string(content))
	}
	return buf.String()
}

// Merge flattens messages and joins adjacent entries that share a role.
func Merge(messages []Message) []Block {
	blocks := make([]Block, 0, len(messages))
	for _, m := range messages {
		blocks = append(blocks, Block{Role: m.Role, Text: Flatten(m.Content)})
	}
	return MergeBlocks(blocks)
}

// MergeBlocks joins adjacent same-role blocks with a blank line. Applying it
// to its own output is a no-op.
func MergeBlocks(blocks []Block) []Block {
	if len(blocks) == 0 {
		return nil
	}
	out := []Block{blocks[0]}
	for _, b := range blocks[1:] {
		last := &out[len(out)-1]
		if b.Role == last.Role {
			last.Text += "\n\n" + b.Text
			continue
		}
		out = append(out, b)
	}
	return out
}

// Prepare renders the whole conversation into one prompt string.
func Prepare(messages []Message) string {
	blocks := Merge(messages)
	if len(blocks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, b := range blocks {
		switch b.Role {
		case RoleAssistant:
			sb.WriteString(assistantOpen)
			sb.WriteString(b.Text)
			sb.WriteString(assistantClose)
		case RoleUser, RoleSystem:
			if i > 0 {
				sb.WriteString(userOpen)
			}
			sb.WriteString(b.Text)
		default:
			sb.WriteString(b.Text)
		}
	}
	return markdownImage.ReplaceAllString(sb.String(), "[$1]($2)")
}
