package deepseek

import "strings"

const (
	ModelCreated = 1677610602
	ModelOwner   = "deepseek"
)

// Model is an OpenAI-visible model name and the upstream flags it selects.
type Model struct {
	ID       string
	Thinking bool
	Search   bool
}

var models = []Model{
	{ID: "deepseek-chat"},
	{ID: "deepseek-reasoner", Thinking: true},
	{ID: "deepseek-chat-search", Search: true},
	{ID: "deepseek-reasoner-search", Thinking: true, Search: true},
}

func Models() []Model {
	return append([]Model(nil), models...)
}

// LookupModel resolves a model name case-insensitively.
func LookupModel(id string) (Model, bool) {
	id = strings.TrimSpace(id)
	for _, m := range models {
		if strings.EqualFold(m.ID, id) {
			return m, true
		}
	}
	return Model{}, false
}
