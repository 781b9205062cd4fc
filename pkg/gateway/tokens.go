package gateway

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEstimator gives the Gateway's step-2 pre-call cost estimate an
// upper-bound token count. It is never used for the post-call actual cost,
// which always comes from the provider response's own reported usage
// (anthropic-sdk-go's Usage block, Bedrock's usage object) — estimates and
// actuals diverge and step 6 must use the latter, per SPEC_FULL.md §4.G.
type tokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// newTokenEstimator loads the cl100k_base encoding, a reasonable universal
// stand-in given none of the supported providers expose a public
// tokenizer endpoint of their own.
func newTokenEstimator() (*tokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &tokenEstimator{enc: enc}, nil
}

// EstimateTokens returns an upper-bound token count for prompt, rounded up
// by a small safety margin since the true provider tokenizer may differ
// slightly from cl100k_base.
func (e *tokenEstimator) EstimateTokens(prompt string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	tokens := e.enc.Encode(prompt, nil, nil)
	count := int64(len(tokens))
	return count + count/10 + 1
}
