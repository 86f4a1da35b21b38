package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"tutor/internal/observability"
)

type recorder struct {
	lines []string
}

func (r *recorder) Debug(format string, _ ...any) { r.lines = append(r.lines, "DEBUG "+format) }
func (r *recorder) Info(format string, _ ...any)  { r.lines = append(r.lines, "INFO "+format) }
func (r *recorder) Warn(format string, _ ...any)  { r.lines = append(r.lines, "WARN "+format) }
func (r *recorder) Error(format string, _ ...any) { r.lines = append(r.lines, "ERROR "+format) }

func TestOrNopReplacesTypedNil(t *testing.T) {
	var rec *recorder
	var l Logger = rec
	assert.True(t, IsNil(l))
	assert.True(t, IsNil(nil))

	safe := OrNop(l)
	assert.False(t, IsNil(safe))
	assert.NotPanics(t, func() { safe.Info("queued %d", 1) })

	live := &recorder{}
	assert.Same(t, live, OrNop(live))
}

func TestComponentLoggerFormatsAndTags(t *testing.T) {
	var buf bytes.Buffer
	base := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: &buf})

	l := FromObservabilityWithComponent(base, "scheduler")
	l.Info("queued %d queries", 3)
	l.Debug("hidden below info")
	l.Warn("100% busy")

	out := buf.String()
	assert.Contains(t, out, "queued 3 queries")
	assert.Contains(t, out, "component=scheduler")
	assert.Contains(t, out, "100% busy")
	assert.NotContains(t, out, "hidden below info")
}

func TestNewComponentLoggerFollowsBase(t *testing.T) {
	var buf bytes.Buffer
	SetBase(observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text", Output: &buf}))
	t.Cleanup(func() { SetBase(nil) })

	NewComponentLogger("degradation").Warn("level changed")
	assert.Contains(t, buf.String(), "level changed")
	assert.Contains(t, buf.String(), "component=degradation")

	SetBase(nil)
	_, ok := NewComponentLogger("degradation").(discard)
	assert.True(t, ok)
}
