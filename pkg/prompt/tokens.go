package prompt

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

const (
	perTurnOverhead = 4
	imageTokens     = 85
)

// Codec returns the tokenizer for a model, falling back to cl100k_base for models the tokenizer
// package does not know.
func Codec(model string) (tokenizer.Codec, error) {
	if model != "" {
		c, err := tokenizer.ForModel(tokenizer.Model(model))
		if err == nil {
			return c, nil
		}
		log.Debug().Str("model", model).Err(err).Msg("No tokenizer for model, using cl100k_base")
	}
	c, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "could not load cl100k_base")
	}
	return c, nil
}

func CountTokens(codec tokenizer.Codec, text string) (int, error) {
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimateTokens approximates the prompt size of turns. Each turn adds a fixed framing overhead
// and each image a flat low-detail cost.
func EstimateTokens(turns []Turn, model string) (int, error) {
	codec, err := Codec(model)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range turns {
		total += perTurnOverhead
		for _, p := range t.Parts {
			switch p.Type {
			case PartText:
				n, err := CountTokens(codec, p.Text)
				if err != nil {
					return 0, errors.Wrap(err, "could not encode turn")
				}
				total += n
			case PartImage:
				total += imageTokens
			}
		}
	}
	return total, nil
}
