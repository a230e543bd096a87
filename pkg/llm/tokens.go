package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encoding files ship with the binary; no network fetch at startup.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

const tokenEncoding = "cl100k_base"

// TokenCounter estimates how many tokens a piece of text costs in a prompt.
type TokenCounter interface {
	CountTokens(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

var (
	sharedCounter     *tiktokenCounter
	sharedCounterOnce sync.Once
	sharedCounterErr  error
)

// DefaultTokenCounter returns the process-wide cl100k_base counter. The
// encoding is loaded once.
func DefaultTokenCounter() (TokenCounter, error) {
	sharedCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			sharedCounterErr = err
			return
		}
		sharedCounter = &tiktokenCounter{enc: enc}
	})
	if sharedCounterErr != nil {
		return nil, sharedCounterErr
	}
	return sharedCounter, nil
}

func (c *tiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxTokenCounter assumes roughly four characters per token. It is the
// fallback when the encoding cannot be loaded.
type ApproxTokenCounter struct{}

func (ApproxTokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TrimToTokenBudget keeps the newest texts whose combined count fits within
// budget and returns the index of the first kept element. A budget <= 0
// keeps everything.
func TrimToTokenBudget(counter TokenCounter, texts []string, budget int) int {
	if budget <= 0 || counter == nil {
		return 0
	}
	used := 0
	for i := len(texts) - 1; i >= 0; i-- {
		used += counter.CountTokens(texts[i])
		if used > budget {
			return i + 1
		}
	}
	return 0
}
