package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomHooks(t *testing.T) {
	type target struct {
		Timeout time.Duration
		Addrs   []string
	}

	v := viper.New()
	v.Set("timeout", "1m30s")
	v.Set("addrs", "redis-0:6379,redis-1:6379")

	var result target
	require.NoError(t, v.Unmarshal(&result, CustomHooks...))
	assert.Equal(t, 90*time.Second, result.Timeout)
	assert.Equal(t, []string{"redis-0:6379", "redis-1:6379"}, result.Addrs)
}
