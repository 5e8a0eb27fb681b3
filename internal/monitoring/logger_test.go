package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("hello %d", 42)
	assert.Equal(t, []string{"hello 42"}, got)

	// nil installs a no-op logger rather than panicking
	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, got, 1)
}

func TestDebugf_GatedByFlag(t *testing.T) {
	defer SetLogger(nil)
	defer SetDebug(false)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})

	SetDebug(false)
	assert.False(t, DebugEnabled())
	Debugf("suppressed")
	assert.Empty(t, got)

	SetDebug(true)
	assert.True(t, DebugEnabled())
	Debugf("emitted %s", "now")
	assert.Equal(t, []string{"emitted now"}, got)
}
