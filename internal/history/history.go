// Package history keeps the conversation sent to the model within a
// token budget.
package history

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codefionn/schmiede/internal/llm"
)

const (
	systemMessageOverhead = 2
	perMessageOverhead    = 4
)

// History accumulates messages and truncates the oldest exchanges when
// the token budget is exceeded. The first user message is always kept
// so the model never loses the task statement.
type History struct {
	mu        sync.Mutex
	messages  []llm.Message
	maxTokens int
	encoder   *tiktoken.Tiktoken
}

// New returns a history bounded to maxTokens for the given model. An
// unknown model falls back to the cl100k_base encoding, and if that is
// unavailable to a characters/4 heuristic.
func New(modelID string, maxTokens int) *History {
	encoder, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		encoder, _ = tiktoken.GetEncoding("cl100k_base")
	}
	return &History{
		maxTokens: maxTokens,
		encoder:   encoder,
	}
}

// Append adds a message and evicts old exchanges if needed.
func (h *History) Append(msg llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	h.truncate()
}

// Messages returns a copy of the current window.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.messages...)
}

// Tokens returns the estimated token count of the current window.
func (h *History) Tokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens()
}

func (h *History) tokens() int {
	total := systemMessageOverhead
	for i := range h.messages {
		total += h.messageTokens(&h.messages[i])
	}
	return total
}

func (h *History) messageTokens(msg *llm.Message) int {
	tokens := h.count(msg.Content) + perMessageOverhead
	if msg.ToolID != "" {
		tokens += h.count(msg.ToolID)
	}
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			tokens += h.count(string(data))
		}
	}
	return tokens
}

func (h *History) count(text string) int {
	if text == "" {
		return 0
	}
	if h.encoder != nil {
		return len(h.encoder.Encode(text, nil, nil))
	}
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}

// truncate drops the oldest messages past the first until the window
// fits. Tool-result messages never survive their assistant request:
// eviction continues until the window starts at a user or assistant
// message.
func (h *History) truncate() {
	if h.maxTokens <= 0 || len(h.messages) <= 2 {
		return
	}
	for h.tokens() > h.maxTokens && len(h.messages) > 2 {
		// Index 0 is the task statement; evict from index 1.
		h.messages = append(h.messages[:1], h.messages[2:]...)
		for len(h.messages) > 1 && h.messages[1].Role == llm.RoleTool {
			h.messages = append(h.messages[:1], h.messages[2:]...)
		}
	}
}
