package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultImageTimeout = 5 * time.Minute
	DefaultVideoTimeout = 15 * time.Minute
	DefaultPollInterval = 3 * time.Second
)

// GenerationConfig routes each feature to an ordered provider chain.
type GenerationConfig struct {
	MaxRetries     int                         `mapstructure:"maxRetries"`
	RetryBaseDelay time.Duration               `mapstructure:"retryBaseDelay"`
	RetryOnTimeout bool                        `mapstructure:"retryOnTimeout"`
	Features       map[string]FeatureRoute     `mapstructure:"features"`
	Providers      map[string]ProviderSettings `mapstructure:"providers"`
}

type FeatureRoute struct {
	Providers    []string      `mapstructure:"providers"`
	Cost         int64         `mapstructure:"cost"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	MaxPolls     int           `mapstructure:"maxPolls"`
}

type ProviderSettings struct {
	// Kind selects the adapter implementation; defaults to the provider name.
	Kind           string            `mapstructure:"kind"`
	BaseURL        string            `mapstructure:"baseURL"`
	APIKey         string            `mapstructure:"apiKey"`
	Models         map[string]string `mapstructure:"models"`
	RequestTimeout time.Duration     `mapstructure:"requestTimeout"`
}

func (p ProviderSettings) ResolvedAPIKey() string {
	return strings.TrimSpace(os.ExpandEnv(p.APIKey))
}

// Route returns the configured route for a feature with defaults applied.
func (c GenerationConfig) Route(feature string) (FeatureRoute, bool) {
	feature = strings.ToLower(strings.TrimSpace(feature))
	route, ok := c.Features[feature]
	if !ok {
		return FeatureRoute{}, false
	}
	if route.Cost <= 0 {
		route.Cost = 1
	}
	if route.Timeout <= 0 {
		route.Timeout = DefaultImageTimeout
		if feature == "video" {
			route.Timeout = DefaultVideoTimeout
		}
	}
	if route.PollInterval <= 0 {
		route.PollInterval = DefaultPollInterval
	}
	return route, true
}

func DefaultGenerationConfig() GenerationConfig {
	imageRoute := func() FeatureRoute {
		return FeatureRoute{
			Providers:    []string{"replicate", "openai"},
			Cost:         1,
			Timeout:      DefaultImageTimeout,
			PollInterval: DefaultPollInterval,
		}
	}
	return GenerationConfig{
		MaxRetries:     2,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryOnTimeout: false,
		Features: map[string]FeatureRoute{
			"interior": imageRoute(),
			"exterior": imageRoute(),
			"sketch":   imageRoute(),
			"furnish":  imageRoute(),
			"remove":   imageRoute(),
			"text":     imageRoute(),
			"video": {
				Providers:    []string{"replicate"},
				Cost:         1,
				Timeout:      DefaultVideoTimeout,
				PollInterval: 5 * time.Second,
			},
		},
		Providers: map[string]ProviderSettings{
			"replicate": {
				BaseURL:        "https://api.replicate.com",
				APIKey:         "${REPLICATE_API_TOKEN}",
				RequestTimeout: 30 * time.Second,
			},
			"openai": {
				BaseURL:        "https://api.openai.com",
				APIKey:         "${OPENAI_API_KEY}",
				RequestTimeout: 2 * time.Minute,
			},
		},
	}
}

type GenerationConfigHolder struct {
	file *watchedFile[GenerationConfig]
}

func NewGenerationConfigHolder(log *zap.Logger) (*GenerationConfigHolder, error) {
	file, err := newWatchedFile(watchOptions[GenerationConfig]{
		name:     "providers",
		key:      "generation",
		defaults: DefaultGenerationConfig,
		validate: validateGenerationConfig,
		log:      log,
	})
	if err != nil {
		return nil, err
	}
	return &GenerationConfigHolder{file: file}, nil
}

// NewStaticGenerationConfigHolder wraps a fixed config without file watching.
func NewStaticGenerationConfigHolder(cfg GenerationConfig) (*GenerationConfigHolder, error) {
	if err := validateGenerationConfig(cfg); err != nil {
		return nil, err
	}
	file := &watchedFile[GenerationConfig]{}
	file.store(cfg)
	return &GenerationConfigHolder{file: file}, nil
}

func (h *GenerationConfigHolder) Get() GenerationConfig {
	return h.file.get()
}

func validateGenerationConfig(cfg GenerationConfig) error {
	if cfg.MaxRetries < 0 {
		return errors.New("generation.maxRetries cannot be negative")
	}
	if len(cfg.Features) == 0 {
		return errors.New("generation.features cannot be empty")
	}
	for feature, route := range cfg.Features {
		if len(route.Providers) == 0 {
			return fmt.Errorf("generation.features.%s.providers cannot be empty", feature)
		}
		for _, name := range route.Providers {
			if _, ok := cfg.Providers[strings.ToLower(strings.TrimSpace(name))]; !ok {
				return fmt.Errorf("generation.features.%s references unknown provider %q", feature, name)
			}
		}
	}
	return nil
}
