// Package settings holds the runtime configuration of arbor, loaded from arbor.yaml, ARBOR_*
// environment variables and command line flags.
package settings

import (
	"io"
	"time"

	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/go-go-golems/arbor/pkg/security"
	"github.com/huandu/go-clone"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultModel           = "gpt-4o-mini"
	DefaultImageModel      = "dall-e-3"
	DefaultOwnerID         = "local"
	DefaultFinalizeRetries = 3
	DefaultRetrievalLimit  = 3
)

var ErrMissingAPIKey = errors.New("missing api key")

type ClientSettings struct {
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base-url"`
	APIKey  string `yaml:"api_key,omitempty" mapstructure:"api-key"`
	// Timeout bounds the whole request, IdleTimeout the gap between two stream reads.
	// Both are duration strings like "90s".
	Timeout     time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" mapstructure:"idle-timeout"`
}

type ChatSettings struct {
	Model     string `yaml:"model,omitempty" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens,omitempty" mapstructure:"max-tokens"`
	OwnerID   string `yaml:"owner_id,omitempty" mapstructure:"owner-id"`
	// VisionModels are glob patterns of models that accept image input.
	VisionModels       []string `yaml:"vision_models,omitempty" mapstructure:"vision-models"`
	FinalizeRetries    int      `yaml:"finalize_retries,omitempty" mapstructure:"finalize-retries"`
	LengthHintTemplate string   `yaml:"length_hint_template,omitempty" mapstructure:"length-hint-template"`
	RetrievalLimit     int      `yaml:"retrieval_limit,omitempty" mapstructure:"retrieval-limit"`
}

type ImageSettings struct {
	Model  string `yaml:"model,omitempty" mapstructure:"model"`
	Width  int    `yaml:"width,omitempty" mapstructure:"width"`
	Height int    `yaml:"height,omitempty" mapstructure:"height"`
}

type StoreSettings struct {
	// Path of the sqlite database, ":memory:" keeps everything in memory.
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}

type PriceSettings struct {
	// File is a YAML price table merged over the built-in prices.
	File string `yaml:"file,omitempty" mapstructure:"file"`
}

type Settings struct {
	API    *ClientSettings `yaml:"api,omitempty" mapstructure:"api"`
	Chat   *ChatSettings   `yaml:"chat,omitempty" mapstructure:"chat"`
	Image  *ImageSettings  `yaml:"image,omitempty" mapstructure:"image"`
	Store  *StoreSettings  `yaml:"store,omitempty" mapstructure:"store"`
	Prices *PriceSettings  `yaml:"prices,omitempty" mapstructure:"prices"`
}

func NewSettings() *Settings {
	return &Settings{
		API: &ClientSettings{
			BaseURL:     DefaultBaseURL,
			Timeout:     120 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Chat: &ChatSettings{
			Model:           DefaultModel,
			OwnerID:         DefaultOwnerID,
			VisionModels:    []string{"gpt-4o*", "gpt-4-turbo*", "gpt-4-vision*", "claude-3*"},
			FinalizeRetries: DefaultFinalizeRetries,
			RetrievalLimit:  DefaultRetrievalLimit,
		},
		Image: &ImageSettings{
			Model:  DefaultImageModel,
			Width:  1024,
			Height: 1024,
		},
		Store:  &StoreSettings{},
		Prices: &PriceSettings{},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// LoadYAML decodes r over a copy of the defaults.
func LoadYAML(r io.Reader) (*Settings, error) {
	ret := NewSettings()
	if err := yaml.NewDecoder(r).Decode(ret); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	return ret, nil
}

// FromViper reads the settings from v, keyed like "chat.model" or "api.base-url", on top of the
// defaults.
func FromViper(v *viper.Viper) (*Settings, error) {
	ret := NewSettings()
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal settings")
	}
	ret.fillDefaults()
	log.Debug().
		Str("model", ret.Chat.Model).
		Str("base_url", ret.API.BaseURL).
		Str("store", ret.Store.Path).
		Msg("Loaded settings")
	return ret, nil
}

// fillDefaults restores defaults that unset flags bound to viper overwrote with empty values.
func (s *Settings) fillDefaults() {
	d := NewSettings()
	if s.API == nil {
		s.API = d.API
	}
	if s.Chat == nil {
		s.Chat = d.Chat
	}
	if s.Image == nil {
		s.Image = d.Image
	}
	if s.Store == nil {
		s.Store = d.Store
	}
	if s.Prices == nil {
		s.Prices = d.Prices
	}
	if s.API.BaseURL == "" {
		s.API.BaseURL = d.API.BaseURL
	}
	if s.Chat.Model == "" {
		s.Chat.Model = d.Chat.Model
	}
	if s.Chat.OwnerID == "" {
		s.Chat.OwnerID = d.Chat.OwnerID
	}
	if s.Image.Model == "" {
		s.Image.Model = d.Image.Model
	}
}

// Validate checks what is needed to talk to the model API.
func (s *Settings) Validate() error {
	if s.API == nil || s.API.APIKey == "" {
		return ErrMissingAPIKey
	}
	if err := security.ValidateURL(s.API.BaseURL, security.EndpointOptions); err != nil {
		return errors.Wrap(err, "invalid base URL")
	}
	if s.Chat == nil || s.Chat.Model == "" {
		return errors.New("no model selected")
	}
	if s.Chat.MaxTokens < 0 {
		return errors.Errorf("invalid max tokens %d", s.Chat.MaxTokens)
	}
	return nil
}

// Capabilities reports what the model accepts, based on the vision model patterns.
func (s *ChatSettings) Capabilities(model string) prompt.Capabilities {
	for _, pattern := range s.VisionModels {
		ok, err := glob.Match(pattern, model)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid vision model pattern")
			continue
		}
		if ok {
			return prompt.Capabilities{SupportsImageInput: true}
		}
	}
	return prompt.Capabilities{}
}
