package prompt

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

// ApproxTokens estimates four bytes per token.
func ApproxTokens(text string) int {
	return (len(text) + 3) / 4
}

var (
	counterMu sync.RWMutex
	counter   TokenCounter = ApproxTokens
)

// EstimateTokens counts tokens with the installed counter. Until
// UseTiktoken succeeds this is ApproxTokens.
func EstimateTokens(text string) int {
	counterMu.RLock()
	f := counter
	counterMu.RUnlock()
	return f(text)
}

// SetTokenCounter replaces the package counter. Passing nil restores
// ApproxTokens.
func SetTokenCounter(f TokenCounter) {
	if f == nil {
		f = ApproxTokens
	}
	counterMu.Lock()
	counter = f
	counterMu.Unlock()
}

// NewTiktokenCounter loads the named BPE encoding (e.g. "cl100k_base").
// Loading may fetch the vocabulary on first use.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", encoding, err)
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// UseTiktoken installs a tiktoken counter for encoding. On failure the
// current counter stays in place and the error is returned.
func UseTiktoken(encoding string) error {
	f, err := NewTiktokenCounter(encoding)
	if err != nil {
		return err
	}
	SetTokenCounter(f)
	return nil
}
