package thread

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token size of a piece of text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TiktokenCounter counts with the cl100k_base encoding. The encoding is
// loaded on first use; if it cannot be loaded the counter falls back to
// Estimate.
type TiktokenCounter struct{}

func (TiktokenCounter) Count(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// EstimateCounter counts with the Estimate heuristic only.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return Estimate(text) }

// Estimate returns max(runes/4, word count), at least 1 for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	return max(estimate, 1)
}
