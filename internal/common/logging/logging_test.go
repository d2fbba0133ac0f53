package logging

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	logger := log.New()
	buf := &bytes.Buffer{}

	err := configure(logger, buf, Config{Level: "warn", Format: FormatJson})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestConfigure_Defaults(t *testing.T) {
	logger := log.New()
	err := configure(logger, &bytes.Buffer{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, log.InfoLevel, logger.GetLevel())
}

func TestConfigure_Invalid(t *testing.T) {
	assert.Error(t, configure(log.New(), &bytes.Buffer{}, Config{Level: "loud"}))
	assert.Error(t, configure(log.New(), &bytes.Buffer{}, Config{Format: "xml"}))
}

func TestWithStacktrace(t *testing.T) {
	logger := log.New()
	err := errors.Wrap(errors.New("root cause"), "outer")

	entry := WithStacktrace(log.NewEntry(logger), err)

	assert.Equal(t, err, entry.Data[log.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])
}

func TestWithStacktrace_NoStack(t *testing.T) {
	logger := log.New()
	err := &plainError{}

	entry := WithStacktrace(log.NewEntry(logger), err)

	assert.Equal(t, err, entry.Data[log.ErrorKey])
	_, ok := entry.Data[Stacktrace]
	assert.False(t, ok)
}

func TestExtractStack_ReturnsDeepest(t *testing.T) {
	inner := errors.New("inner")
	outer := errors.WithStack(inner)

	innerStack := ExtractStack(inner)
	require.NotNil(t, innerStack)
	assert.Equal(t, innerStack, ExtractStack(outer))
}

type plainError struct{}

func (e *plainError) Error() string { return "plain" }

func TestAddPrometheusHook(t *testing.T) {
	require.NoError(t, AddPrometheusHook())
	require.NoError(t, AddPrometheusHook())

	hooks := 0
	for _, levelHooks := range log.StandardLogger().Hooks {
		hooks += len(levelHooks)
	}
	assert.NotZero(t, hooks)
}
