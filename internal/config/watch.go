package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// watchedFile loads one YAML key from a config file and keeps the decoded
// value current when the file changes on disk.
type watchedFile[T any] struct {
	current atomic.Value // holds T
}

type watchOptions[T any] struct {
	name     string
	key      string
	paths    []string
	defaults func() T
	validate func(T) error
	log      *zap.Logger
}

func newWatchedFile[T any](opts watchOptions[T]) (*watchedFile[T], error) {
	v := viper.New()

	v.SetConfigName(opts.name)
	v.SetConfigType("yml")
	for _, path := range opts.paths {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/var/lib/genstudio/config") // Volume-mounted config
	v.AddConfigPath("/etc/genstudio")            // System config
	v.AddConfigPath("./config")                  // Repository config (dev mode)
	v.AddConfigPath(".")                         // Current directory

	v.SetEnvPrefix("GENSTUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	log := opts.log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config").With(zap.String("file", opts.name))

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	cfg := opts.defaults()
	if found {
		if err := v.UnmarshalKey(opts.key, &cfg); err != nil {
			return nil, err
		}
	}
	if err := opts.validate(cfg); err != nil {
		return nil, err
	}

	holder := &watchedFile[T]{}
	holder.current.Store(cfg)

	if !found {
		log.Info("config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := opts.defaults()
		if err := v.UnmarshalKey(opts.key, &updated); err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := opts.validate(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config reloaded", zap.String("path", e.Name))
	})

	return holder, nil
}

func (h *watchedFile[T]) get() T {
	return h.current.Load().(T)
}

func (h *watchedFile[T]) store(cfg T) {
	h.current.Store(cfg)
}
