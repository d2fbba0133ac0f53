package common

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/G-Research/splitter/internal/common/config"
	"github.com/G-Research/splitter/internal/common/logging"
)

const (
	baseConfigFileName = "config"
	envPrefix          = "SPLITTER"
)

// LoadConfig loads config.yaml from defaultPath, merges any user-specified files on top of it in order,
// applies SPLITTER_ prefixed environment overrides (e.g. SPLITTER_REDIS_ADDRS) and any flags in flags
// that were set on the command line (e.g. --httpPort), and unmarshals the result into config.
// flags may be nil.
// Any failure is fatal: a service with a half-loaded configuration must not start.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string, flags *pflag.FlagSet) *viper.Viper {
	v, err := loadConfig(config, defaultPath, overrideConfigs, flags)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

func loadConfig(config interface{}, defaultPath string, overrideConfigs []string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config path=%s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		if overrideConfig == "" {
			continue
		}
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// ConfigureLogging sets up logrus with the default text format at info level.
// Applications re-configure it once their config is loaded.
func ConfigureLogging() {
	if err := logging.Configure(logging.Config{}); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
