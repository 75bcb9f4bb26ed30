package proxy

import (
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
	"github.com/yuanshang000/ds2api/pkg/config"
)

// TokenCounter estimates the token count of a piece of text.
type TokenCounter interface {
	Count(text string) int
}

type estimateCounter struct{}

// Count approximates four characters per token.
func (estimateCounter) Count(text string) int {
	return utf8.RuneCountInString(text) / 4
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

var getEncoding = tiktoken.GetEncoding

// NewTokenCounter returns the configured counter, falling back to the
// character estimate when the encoding cannot be loaded.
func NewTokenCounter(name string, logger *log.Logger) TokenCounter {
	if name != config.TokenizerCL100K {
		return estimateCounter{}
	}
	enc, err := getEncoding(config.TokenizerCL100K)
	if err != nil {
		if logger != nil {
			logger.Warn("tokenizer unavailable, using estimate", "encoding", name, "err", err)
		}
		return estimateCounter{}
	}
	return tiktokenCounter{enc: enc}
}

func buildUsage(counter TokenCounter, prompt, reasoning, text string) openai.Usage {
	p := counter.Count(prompt)
	r := counter.Count(reasoning)
	t := counter.Count(text)
	return openai.Usage{
		PromptTokens:            p,
		CompletionTokens:        r + t,
		TotalTokens:             p + r + t,
		CompletionTokensDetails: &openai.CompletionTokensDetails{ReasoningTokens: r},
	}
}
