package async

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicLog struct {
	mu      sync.Mutex
	entries []string
}

func (p *panicLog) Error(format string, args ...any) {
	p.mu.Lock()
	p.entries = append(p.entries, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *panicLog) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.entries...)
}

func TestCallReportsPanicAndKeepsGoing(t *testing.T) {
	log := &panicLog{}

	ran := 0
	assert.False(t, Call(log, "degradation listener", func() { ran++ }))
	assert.True(t, Call(log, "degradation listener", func() { panic(fmt.Errorf("level %d", 3)) }))
	assert.Equal(t, 1, ran)

	got := log.lines()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "degradation listener panicked: level 3")
	assert.Contains(t, got[0], "goroutine", "stack trace attached")
}

func TestGoRunsDetached(t *testing.T) {
	log := &panicLog{}
	started := make(chan struct{})

	Go(log, "shutdown watcher", func() {
		close(started)
		panic("closed channel")
	})

	<-started
	require.Eventually(t, func() bool { return len(log.lines()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, log.lines()[0], "shutdown watcher panicked: closed channel")
}

func TestCallWithoutLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.True(t, Call(nil, "observer", func() { panic("boom") }))
	})
}
