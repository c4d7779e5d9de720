package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter estimates the token count of text for a model.
type TokenCounter func(modelName, text string) int

var (
	encMu     sync.Mutex
	encByName = map[string]*tiktoken.Tiktoken{}
	encFailed = map[string]bool{}
)

// CountTokens estimates tokens with the model's tiktoken encoding, falling
// back to cl100k_base for non-OpenAI models and to a four-characters-per-token
// heuristic when no encoding can be loaded.
func CountTokens(modelName, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(modelName); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return HeuristicTokens(text)
}

// HeuristicTokens approximates tokens as one per four characters.
func HeuristicTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func encodingFor(modelName string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()

	if enc, ok := encByName[modelName]; ok {
		return enc
	}
	if encFailed[modelName] {
		return nil
	}

	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		zap.L().Debug("llm: tiktoken unavailable, using heuristic token counts",
			zap.String("model", modelName), zap.Error(err))
		encFailed[modelName] = true
		return nil
	}
	encByName[modelName] = enc
	return enc
}
