package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeferDelay(t *testing.T) {
	l := NewLocalLauncher(nil, LocalConfig{DeferDelay: time.Second, MaxDeferDelay: 8 * time.Second})
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	assert.Equal(t, time.Second, l.deferDelay(0))
	assert.Equal(t, 2*time.Second, l.deferDelay(1))
	assert.Equal(t, 4*time.Second, l.deferDelay(2))
	assert.Equal(t, 8*time.Second, l.deferDelay(3))
	assert.Equal(t, 8*time.Second, l.deferDelay(60), "large deferral counts stay at the cap")
}

func TestDeferDelayJitter(t *testing.T) {
	l := NewLocalLauncher(nil, LocalConfig{DeferDelay: time.Second, MaxDeferDelay: 8 * time.Second, DeferJitter: 0.5})
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	for range 50 {
		d := l.deferDelay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)

		capped := l.deferDelay(5)
		assert.GreaterOrEqual(t, capped, 8*time.Second)
		assert.LessOrEqual(t, capped, 12*time.Second)
	}
}
