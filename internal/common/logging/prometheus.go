package logging

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

var (
	prometheusHookOnce sync.Once
	prometheusHookErr  error
)

// AddPrometheusHook registers a hook on the standard logger counting log lines by level.
// Only the first call registers the hook; later calls return its result.
func AddPrometheusHook() error {
	prometheusHookOnce.Do(func() {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			prometheusHookErr = errors.WithStack(err)
			return
		}
		log.AddHook(hook)
	})
	return prometheusHookErr
}
