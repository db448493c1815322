package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Watch reloads the config file when it changes and hands each revision
// that loads cleanly to apply. Revisions that fail validation are logged
// and the running configuration is kept.
func Watch(v *viper.Viper, apply func(*Config)) {
	v.OnConfigChange(func(event fsnotify.Event) {
		cfg, err := Load(v)
		if err != nil {
			log.Error().Err(err).Str("file", event.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("file", event.Name).Int("consumers", len(cfg.Consumers)).Msg("config reloaded")
		apply(cfg)
	})
	v.WatchConfig()
}
