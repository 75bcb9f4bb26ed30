package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "get_weather",
			Description: "Look up the weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"},"days":{"type":"integer"}},"required":["city"]}`),
		},
	}
}

func TestToolPromptListsParametersInOrder(t *testing.T) {
	got := ToolPrompt([]openai.Tool{weatherTool()})
	assert.Contains(t, got, "Tool: get_weather\nDescription: Look up the weather\nParameters:\n  - city: string (required)\n  - days: integer")
	assert.True(t, strings.HasPrefix(got, "You have access to these tools:\n\n"))
	assert.True(t, strings.HasSuffix(got, "must start with { and end with }"))
}

func TestToolPromptDefaults(t *testing.T) {
	got := ToolPrompt([]openai.Tool{{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{}}})
	assert.Contains(t, got, "Tool: unknown\nDescription: No description available\n")
	assert.NotContains(t, got, "Parameters:")
}

func TestInjectToolsAppendsToFirstSystemMessage(t *testing.T) {
	in := []Message{Text(RoleUser, "u"), Text(RoleSystem, "sys1"), Text(RoleSystem, "sys2")}
	out := InjectTools(in, []openai.Tool{weatherTool()})
	require.Len(t, out, 3)
	assert.True(t, strings.HasPrefix(Flatten(out[1].Content), "sys1\n\nYou have access to these tools:"))
	assert.Equal(t, "sys2", Flatten(out[2].Content))
	assert.Equal(t, "sys1", Flatten(in[1].Content), "input must not be modified")
}

func TestInjectToolsPrependsSystemMessage(t *testing.T) {
	out := InjectTools([]Message{Text(RoleUser, "u")}, []openai.Tool{weatherTool()})
	require.Len(t, out, 2)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "u", Flatten(out[1].Content))
}

func TestInjectToolsNoTools(t *testing.T) {
	in := []Message{Text(RoleUser, "u")}
	assert.Equal(t, in, InjectTools(in, nil))
}

func TestParseToolCallsWholeText(t *testing.T) {
	text := `{"tool_calls": [{"name": "get_weather", "input": {"city": "Paris"}}, {"name": "rm_rf", "input": {}}]}`
	calls := ParseToolCalls("  "+text+"\n", []string{"get_weather"})
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(calls[0].Input))
}

func TestParseToolCallsEmbeddedFragment(t *testing.T) {
	text := "Sure, calling now.\n{\"tool_calls\": [{\"name\": \"get_weather\", \"input\": {\"city\": \"Oslo\"}}]}\nDone."
	calls := ParseToolCalls(text, []string{"get_weather"})
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(calls[0].Input))
}

func TestParseToolCallsIgnoresPlainText(t *testing.T) {
	assert.Empty(t, ParseToolCalls("The weather in Paris is nice.", []string{"get_weather"}))
	assert.Empty(t, ParseToolCalls(`{"tool_calls": [oops]}`, []string{"get_weather"}))
}

func TestParseToolCallsMissingInputDefaultsToEmptyObject(t *testing.T) {
	calls := ParseToolCalls(`{"tool_calls": [{"name": "get_weather"}]}`, []string{"get_weather"})
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", string(calls[0].Input))
}

func TestFormatToolCalls(t *testing.T) {
	out := FormatToolCalls([]ToolCall{
		{Name: "a", Input: json.RawMessage(`{"x":1}`)},
		{Name: "b", Input: json.RawMessage(`{}`)},
	}, "sess")
	require.Len(t, out, 2)
	assert.True(t, strings.HasPrefix(out[0].ID, "call_sess_"))
	assert.True(t, strings.HasSuffix(out[1].ID, "_1"))
	assert.Equal(t, openai.ToolTypeFunction, out[0].Type)
	assert.Equal(t, `{"x":1}`, out[0].Function.Arguments)
	require.NotNil(t, out[1].Index)
	assert.Equal(t, 1, *out[1].Index)
}

func TestToolNames(t *testing.T) {
	assert.Equal(t, []string{"get_weather"}, ToolNames([]openai.Tool{weatherTool(), {Type: openai.ToolTypeFunction}}))
}
