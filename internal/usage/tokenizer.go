package usage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// Tokenizer counts tokens with a tiktoken encoding. Providers without a
// native count-tokens endpoint use it for best-effort estimates; the numbers
// approximate OpenAI tokenization and are not billing-exact for non-OpenAI
// models.
type Tokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

var (
	encCacheMu sync.Mutex
	encCache   = make(map[string]*tiktoken.Tiktoken)
)

func encodingForModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"),
		strings.HasPrefix(lower, "gpt-5"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		return "o200k_base"
	case strings.HasPrefix(lower, "gpt-4"),
		strings.HasPrefix(lower, "gpt-3.5"),
		strings.HasPrefix(lower, "text-embedding"):
		return "cl100k_base"
	}
	// Non-OpenAI models get the modern encoding as an approximation.
	return "o200k_base"
}

// TokenizerForModel returns a tokenizer backed by the tiktoken encoding that
// matches the model family. Encodings are cached process-wide because
// building one loads the full BPE table.
func TokenizerForModel(model string) (*Tokenizer, error) {
	name := encodingForModel(model)
	encCacheMu.Lock()
	defer encCacheMu.Unlock()
	if enc, ok := encCache[name]; ok {
		return &Tokenizer{encoding: name, enc: enc}, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("usage: init tiktoken encoding %s: %w", name, err)
	}
	encCache[name] = enc
	return &Tokenizer{encoding: name, enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) (int, error) {
	if t == nil || t.enc == nil {
		return 0, fmt.Errorf("usage: tokenizer not initialised")
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// EstimateChatTokens estimates the prompt token count of an OpenAI
// chat.completions request body. Text is gathered from string and multi-part
// message content; per-message framing overhead mirrors the OpenAI cookbook
// numbers (4 per message, 3 for the reply primer).
func EstimateChatTokens(model string, body []byte) (int64, error) {
	tok, err := TokenizerForModel(model)
	if err != nil {
		return 0, err
	}
	total := 0
	messages := gjson.GetBytes(body, "messages")
	if messages.IsArray() {
		for _, msg := range messages.Array() {
			total += 4
			if n, errCount := tok.Count(msg.Get("role").String()); errCount == nil {
				total += n
			}
			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				if n, errCount := tok.Count(content.String()); errCount == nil {
					total += n
				}
			case content.IsArray():
				for _, part := range content.Array() {
					if part.Get("type").String() != "text" {
						continue
					}
					if n, errCount := tok.Count(part.Get("text").String()); errCount == nil {
						total += n
					}
				}
			}
		}
	}
	if tools := gjson.GetBytes(body, "tools"); tools.Exists() && tools.IsArray() {
		for _, tool := range tools.Array() {
			if n, errCount := tok.Count(tool.Raw); errCount == nil {
				total += n
			}
		}
	}
	total += 3
	return int64(total), nil
}
