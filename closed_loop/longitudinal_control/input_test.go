package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPress(t *testing.T) {
	tests := []struct {
		held time.Duration
		want InputEvent
	}{
		{0, NoPress},
		{699 * time.Millisecond, NoPress},
		{700 * time.Millisecond, ShortPress},
		{2 * time.Second, ShortPress},
		{2500 * time.Millisecond, NoPress},
		{3 * time.Second, LongPress},
		{5 * time.Second, LongPress},
		{5001 * time.Millisecond, NoPress},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyPress(tt.held), "held %v", tt.held)
	}
}

func TestEventStrings(t *testing.T) {
	assert.Equal(t, "long_press", LongPress.String())
	assert.Equal(t, "none", NoPress.String())
	assert.Equal(t, "overridden", StatusOverridden.String())
	assert.Equal(t, "dynamic", StatusDynamic.String())
	assert.Equal(t, "unknown", StatusEvent(0).String())
}
