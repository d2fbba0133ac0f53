package config

import (
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks are the decode hooks used when unmarshalling configuration. Durations are written
// as strings such as "30s", and lists may be given as comma-separated strings so that they can be
// overridden from a single environment variable, e.g. SPLITTER_REDIS_ADDRS=redis-0:6379,redis-1:6379.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}
