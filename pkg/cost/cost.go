// Package cost maps model usage to money. All prices are in dollars.
package cost

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TextRate is the price per 1K tokens.
type TextRate struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// PriceTable holds per-model text rates and flat image prices.
// A table is not modified after construction and may be shared freely.
type PriceTable struct {
	Text         map[string]TextRate `yaml:"text" json:"text"`
	Image        map[string]float64  `yaml:"image" json:"image"`
	DefaultImage float64             `yaml:"default-image" json:"default-image"`
}

const DefaultImagePrice = 0.04

func DefaultPriceTable() *PriceTable {
	return &PriceTable{
		Text: map[string]TextRate{
			"gpt-4o":            {Input: 0.0025, Output: 0.01},
			"gpt-4o-mini":       {Input: 0.00015, Output: 0.0006},
			"gpt-4-turbo":       {Input: 0.01, Output: 0.03},
			"gpt-4":             {Input: 0.03, Output: 0.06},
			"gpt-3.5-turbo":     {Input: 0.0005, Output: 0.0015},
			"claude-3-5-sonnet": {Input: 0.003, Output: 0.015},
			"claude-3-opus":     {Input: 0.015, Output: 0.075},
			"claude-3-haiku":    {Input: 0.00025, Output: 0.00125},
		},
		Image: map[string]float64{
			"dall-e-3":    0.04,
			"dall-e-2":    0.02,
			"gpt-image-1": 0.042,
		},
		DefaultImage: DefaultImagePrice,
	}
}

// Merge returns a new table where the entries of other override the entries of pt.
func (pt *PriceTable) Merge(other *PriceTable) *PriceTable {
	ret := &PriceTable{
		Text:         make(map[string]TextRate, len(pt.Text)),
		Image:        make(map[string]float64, len(pt.Image)),
		DefaultImage: pt.DefaultImage,
	}
	for k, v := range pt.Text {
		ret.Text[k] = v
	}
	for k, v := range pt.Image {
		ret.Image[k] = v
	}
	if other == nil {
		return ret
	}
	for k, v := range other.Text {
		ret.Text[k] = v
	}
	for k, v := range other.Image {
		ret.Image[k] = v
	}
	if other.DefaultImage > 0 {
		ret.DefaultImage = other.DefaultImage
	}
	return ret
}

// LoadPriceTable reads a YAML price file and merges it over the default table.
func LoadPriceTable(path string) (*PriceTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read price table %s", path)
	}
	override := &PriceTable{}
	if err := yaml.Unmarshal(b, override); err != nil {
		return nil, errors.Wrapf(err, "could not parse price table %s", path)
	}
	return DefaultPriceTable().Merge(override), nil
}

// TextRate looks up the rate of a model. Dated variants such as gpt-4o-2024-08-06 resolve to the
// longest known prefix.
func (pt *PriceTable) TextRate(model string) (TextRate, bool) {
	if pt == nil {
		return TextRate{}, false
	}
	key, ok := lookup(model, pt.Text)
	if !ok {
		return TextRate{}, false
	}
	return pt.Text[key], true
}

// TextGenerationCost is promptTokens/1000 * input + completionTokens/1000 * output, zero for unknown models.
func (pt *PriceTable) TextGenerationCost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := pt.TextRate(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*rate.Input + float64(completionTokens)/1000*rate.Output
}

// ImageGenerationCost is the flat price of one image, DefaultImage for unknown models.
func (pt *PriceTable) ImageGenerationCost(model string) float64 {
	if pt == nil {
		return DefaultImagePrice
	}
	if key, ok := lookup(model, pt.Image); ok {
		return pt.Image[key]
	}
	if pt.DefaultImage > 0 {
		return pt.DefaultImage
	}
	return DefaultImagePrice
}

func lookup[V any](model string, m map[string]V) (string, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return "", false
	}
	if _, ok := m[model]; ok {
		return model, true
	}
	best := ""
	for k := range m {
		if strings.HasPrefix(model, k+"-") && len(k) > len(best) {
			best = k
		}
	}
	return best, best != ""
}

var defaultTable = DefaultPriceTable()

func TextGenerationCost(model string, promptTokens, completionTokens int) float64 {
	return defaultTable.TextGenerationCost(model, promptTokens, completionTokens)
}

func ImageGenerationCost(model string) float64 {
	return defaultTable.ImageGenerationCost(model)
}
