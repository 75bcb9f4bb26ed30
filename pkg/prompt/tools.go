package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

const toolInstructions = `When you need to use tools, output ONLY this JSON format (no other text):
{"tool_calls": [
  {"name": "tool_name", "input": {"param": "value"}}
]}

IMPORTANT: If calling tools, output ONLY the JSON. The response must start with { and end with }`

var toolCallFragment = regexp.MustCompile(`(?s)\{\s*["']tool_calls["']\s*:\s*\[(.*?)\]\s*\}`)

// ToolCall is a call the model asked for in its text output.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// ToolPrompt describes the tools and the expected tool_calls reply format.
func ToolPrompt(tools []openai.Tool) string {
	schemas := make([]string, 0, len(tools))
	for _, tool := range tools {
		schemas = append(schemas, describeTool(tool))
	}
	return "You have access to these tools:\n\n" + strings.Join(schemas, "\n") + "\n\n" + toolInstructions
}

func describeTool(tool openai.Tool) string {
	name, desc := "unknown", "No description available"
	var params []byte
	if fn := tool.Function; fn != nil {
		if fn.Name != "" {
			name = fn.Name
		}
		if fn.Description != "" {
			desc = fn.Description
		}
		params = rawParameters(fn.Parameters)
	}
	out := fmt.Sprintf("Tool: %s\nDescription: %s", name, desc)

	schema := gjson.ParseBytes(params)
	required := map[string]bool{}
	for _, r := range schema.Get("required").Array() {
		required[r.String()] = true
	}
	var props []string
	schema.Get("properties").ForEach(func(key, prop gjson.Result) bool {
		typ := prop.Get("type").String()
		if typ == "" {
			typ = "string"
		}
		line := fmt.Sprintf("  - %s: %s", key.String(), typ)
		if required[key.String()] {
			line += " (required)"
		}
		props = append(props, line)
		return true
	})
	if len(props) > 0 {
		out += "\nParameters:\n" + strings.Join(props, "\n")
	}
	return out
}

// rawParameters keeps raw JSON as-is so property order survives.
func rawParameters(p any) []byte {
	switch v := p.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

// InjectTools appends the tool prompt to the first system message, or
// prepends a system message carrying it. The input slice is not modified.
func InjectTools(messages []Message, tools []openai.Tool) []Message {
	if len(tools) == 0 {
		return messages
	}
	toolPrompt := ToolPrompt(tools)
	out := make([]Message, len(messages), len(messages)+1)
	copy(out, messages)
	for i, m := range out {
		if m.Role == RoleSystem {
			out[i] = Text(RoleSystem, Flatten(m.Content)+"\n\n"+toolPrompt)
			return out
		}
	}
	return append([]Message{Text(RoleSystem, toolPrompt)}, out...)
}

// ParseToolCalls extracts tool calls from model output. Calls naming a tool
// outside allowed are dropped.
func ParseToolCalls(text string, allowed []string) []ToolCall {
	names := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		names[n] = true
	}
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, `{"tool_calls":`) && strings.HasSuffix(cleaned, "]}") {
		if calls := collectToolCalls(cleaned, names); len(calls) > 0 {
			return calls
		}
	}
	var calls []ToolCall
	for _, m := range toolCallFragment.FindAllStringSubmatch(cleaned, -1) {
		calls = append(calls, collectToolCalls(`{"tool_calls": [`+m[1]+`]}`, names)...)
	}
	return calls
}

func collectToolCalls(doc string, names map[string]bool) []ToolCall {
	if !gjson.Valid(doc) {
		return nil
	}
	var calls []ToolCall
	gjson.Get(doc, "tool_calls").ForEach(func(_, call gjson.Result) bool {
		name := call.Get("name").String()
		if !names[name] {
			return true
		}
		input := json.RawMessage("{}")
		if in := call.Get("input"); in.Exists() {
			input = compactJSON(in.Raw)
		}
		calls = append(calls, ToolCall{Name: name, Input: input})
		return true
	})
	return calls
}

func compactJSON(raw string) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return json.RawMessage(raw)
	}
	return buf.Bytes()
}

// FormatToolCalls converts parsed calls into OpenAI tool_calls entries.
// An empty base falls back to the current unix time.
func FormatToolCalls(calls []ToolCall, base string) []openai.ToolCall {
	if base == "" {
		base = fmt.Sprintf("%d", time.Now().Unix())
	}
	out := make([]openai.ToolCall, 0, len(calls))
	for idx, c := range calls {
		i := idx
		out = append(out, openai.ToolCall{
			Index: &i,
			ID:    fmt.Sprintf("call_%s_%d_%d", base, 1000+rand.IntN(9000), idx),
			Type:  openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      c.Name,
				Arguments: string(c.Input),
			},
		})
	}
	return out
}

// ToolNames lists the function names of the requested tools.
func ToolNames(tools []openai.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Function != nil && t.Function.Name != "" {
			names = append(names, t.Function.Name)
		}
	}
	return names
}
