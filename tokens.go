package caravan

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates token counts for context-budget decisions.
// Implementations must be deterministic and monotone; the budget is
// advisory, not a hard guarantee against provider context overflow.
type TokenEstimator interface {
	Estimate(text string) int
}

// perMessageOverhead approximates the per-message framing tokens chat
// APIs add around content.
const perMessageOverhead = 4

// NewTokenEstimator returns a tiktoken-backed estimator for the given
// model, falling back to cl100k_base for unknown models and to a byte
// heuristic when no encoding can be loaded at all.
func NewTokenEstimator(model string) TokenEstimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil || enc == nil {
		return HeuristicEstimator{}
	}
	return &tiktokenEstimator{enc: enc}
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// HeuristicEstimator approximates tokens as bytes/4 (the usual English
// average), with a floor of one token for non-empty text. It needs no
// encoding data, so it is the default for routers constructed without
// an explicit estimator.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// estimateMessage returns the budget weight of one stored message.
func estimateMessage(est TokenEstimator, m Message) int {
	return est.Estimate(m.Content) + perMessageOverhead
}

var _ TokenEstimator = (*tiktokenEstimator)(nil)
var _ TokenEstimator = HeuristicEstimator{}
