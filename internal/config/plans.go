package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var knownTiers = map[string]struct{}{
	"free":   {},
	"basic":  {},
	"pro":    {},
	"expert": {},
}

// PlansConfig maps billing-provider plan or price identifiers to tiers.
type PlansConfig struct {
	Mapping     map[string]string `mapstructure:"mapping"`
	DefaultTier string            `mapstructure:"defaultTier"`
}

// TierFor returns the tier mapped to planID and whether the id was known.
func (c PlansConfig) TierFor(planID string) (string, bool) {
	planID = strings.TrimSpace(planID)
	if planID != "" {
		if tier, ok := c.Mapping[strings.ToLower(planID)]; ok {
			return tier, true
		}
	}
	if c.DefaultTier == "" {
		return "free", false
	}
	return c.DefaultTier, false
}

func DefaultPlansConfig() PlansConfig {
	return PlansConfig{
		Mapping: map[string]string{
			"basic":  "basic",
			"pro":    "pro",
			"expert": "expert",
		},
		DefaultTier: "free",
	}
}

type PlansConfigHolder struct {
	file *watchedFile[PlansConfig]
}

func NewPlansConfigHolder(log *zap.Logger) (*PlansConfigHolder, error) {
	file, err := newWatchedFile(watchOptions[PlansConfig]{
		name:     "plans",
		key:      "plans",
		defaults: DefaultPlansConfig,
		validate: validatePlansConfig,
		log:      log,
	})
	if err != nil {
		return nil, err
	}
	return &PlansConfigHolder{file: file}, nil
}

// NewStaticPlansConfigHolder wraps a fixed config without file watching.
func NewStaticPlansConfigHolder(cfg PlansConfig) (*PlansConfigHolder, error) {
	cfg = normalizePlans(cfg)
	if err := validatePlansConfig(cfg); err != nil {
		return nil, err
	}
	file := &watchedFile[PlansConfig]{}
	file.store(cfg)
	return &PlansConfigHolder{file: file}, nil
}

func (h *PlansConfigHolder) Get() PlansConfig {
	return normalizePlans(h.file.get())
}

func normalizePlans(cfg PlansConfig) PlansConfig {
	mapping := make(map[string]string, len(cfg.Mapping))
	for plan, tier := range cfg.Mapping {
		mapping[strings.ToLower(strings.TrimSpace(plan))] = strings.ToLower(strings.TrimSpace(tier))
	}
	cfg.Mapping = mapping
	cfg.DefaultTier = strings.ToLower(strings.TrimSpace(cfg.DefaultTier))
	return cfg
}

func validatePlansConfig(cfg PlansConfig) error {
	cfg = normalizePlans(cfg)
	if len(cfg.Mapping) == 0 {
		return errors.New("plans.mapping cannot be empty")
	}
	for plan, tier := range cfg.Mapping {
		if _, ok := knownTiers[tier]; !ok {
			return fmt.Errorf("plans.mapping.%s has unknown tier %q", plan, tier)
		}
	}
	if cfg.DefaultTier != "" {
		if _, ok := knownTiers[cfg.DefaultTier]; !ok {
			return fmt.Errorf("plans.defaultTier has unknown tier %q", cfg.DefaultTier)
		}
	}
	return nil
}
