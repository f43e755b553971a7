package cost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() *PriceTable {
	return DefaultPriceTable().Merge(&PriceTable{
		Text: map[string]TextRate{
			"test-model": {Input: 0.0015, Output: 0.006},
		},
	})
}

func TestTextGenerationCost(t *testing.T) {
	pt := testTable()
	assert.InDelta(t, 0.0000195, pt.TextGenerationCost("test-model", 5, 2), 1e-12)
	assert.Equal(t, 0.0, pt.TextGenerationCost("test-model", 0, 0))
}

func TestTextGenerationCostUnknownModel(t *testing.T) {
	pt := testTable()
	assert.Equal(t, 0.0, pt.TextGenerationCost("no-such-model", 1000, 1000))
	assert.Equal(t, 0.0, pt.TextGenerationCost("", 1000, 1000))

	var nilTable *PriceTable
	assert.Equal(t, 0.0, nilTable.TextGenerationCost("gpt-4o", 10, 10))
	assert.Equal(t, 0.0, TextGenerationCost("no-such-model", 10, 10))
}

func TestTextRateResolvesDatedVariants(t *testing.T) {
	pt := DefaultPriceTable()
	rate, ok := pt.TextRate("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, pt.Text["gpt-4o-mini"], rate)

	rate, ok = pt.TextRate("GPT-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, pt.Text["gpt-4o"], rate)

	_, ok = pt.TextRate("gpt-4ox")
	assert.False(t, ok)
}

func TestImageGenerationCost(t *testing.T) {
	pt := DefaultPriceTable()
	assert.Equal(t, 0.02, pt.ImageGenerationCost("dall-e-2"))
	assert.Equal(t, DefaultImagePrice, pt.ImageGenerationCost("unknown-image-model"))
	assert.Equal(t, DefaultImagePrice, ImageGenerationCost(""))

	var nilTable *PriceTable
	assert.Equal(t, DefaultImagePrice, nilTable.ImageGenerationCost("dall-e-2"))
}

func TestLoadPriceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
text:
  my-model:
    input: 0.001
    output: 0.002
image:
  dall-e-3: 0.08
default-image: 0.05
`), 0o644))

	pt, err := LoadPriceTable(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.003, pt.TextGenerationCost("my-model", 1000, 1000), 1e-12)
	assert.Equal(t, 0.08, pt.ImageGenerationCost("dall-e-3"))
	assert.Equal(t, 0.05, pt.ImageGenerationCost("unknown"))
	// defaults survive the merge
	_, ok := pt.TextRate("gpt-4o")
	assert.True(t, ok)

	_, err = LoadPriceTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
