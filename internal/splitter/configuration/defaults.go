package configuration

import (
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCacheTTL       = 30 * time.Second
	DefaultLoadTimeout    = 2 * time.Second
	DefaultWriteTimeout   = 2 * time.Second
	DefaultCounterTimeout = 500 * time.Millisecond
	DefaultConfidence     = 0.95
)

// ApplyDefaults replaces unset timeouts and thresholds with their defaults, logging a warning for
// each value that was set to something unusable.
func (c *EngineConfig) ApplyDefaults() {
	logger := log.WithField("splitter", "EngineConfig")
	durationDefault := func(name string, value *time.Duration, def time.Duration) {
		if *value > 0 {
			return
		}
		if *value < 0 {
			logger.WithFields(log.Fields{
				"default":    def,
				"configured": *value,
			}).Warnf("%s invalid, using default instead", name)
		}
		*value = def
	}
	durationDefault("Registry.CacheTTL", &c.Registry.CacheTTL, DefaultCacheTTL)
	durationDefault("Registry.LoadTimeout", &c.Registry.LoadTimeout, DefaultLoadTimeout)
	durationDefault("Recorder.WriteTimeout", &c.Recorder.WriteTimeout, DefaultWriteTimeout)
	durationDefault("Recorder.CounterTimeout", &c.Recorder.CounterTimeout, DefaultCounterTimeout)
	durationDefault("Results.RebuildGrace", &c.Results.RebuildGrace, c.Recorder.WriteTimeout+c.Recorder.CounterTimeout)

	if c.Results.Confidence == 0 {
		c.Results.Confidence = DefaultConfidence
	} else if c.Results.Confidence <= 0.5 || c.Results.Confidence >= 1 {
		logger.WithFields(log.Fields{
			"default":    DefaultConfidence,
			"configured": c.Results.Confidence,
		}).Warn("Results.Confidence must lie in (0.5, 1), using default instead")
		c.Results.Confidence = DefaultConfidence
	}
}
