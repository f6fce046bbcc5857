package monitoring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("test message") })
	assert.False(t, called, "no-op logger must not reach the previous logger")
}

func TestSetLogWriter(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var buf bytes.Buffer
	SetLogWriter(&buf)
	Logf("[health] sensor %s lost", "lidar-a")
	assert.Contains(t, buf.String(), "[health] sensor lidar-a lost")

	buf.Reset()
	SetLogWriter(nil)
	Logf("dropped")
	assert.Empty(t, buf.String())
}
