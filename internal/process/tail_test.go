package process

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(8)

	tb.Write([]byte("abc"))
	tb.Write([]byte("defg"))
	assert.Equal(t, "abcdefg", tb.String())

	tb.Write([]byte("hij"))
	assert.Equal(t, "cdefghij", tb.String())

	tb.Write([]byte(strings.Repeat("x", 20) + "END"))
	assert.Equal(t, "xxxxxEND", tb.String())
}

func TestStartupErrorMessages(t *testing.T) {
	spawn := &StartupError{Err: errors.New("exec: not found")}
	assert.Equal(t, "failed to spawn child: exec: not found", spawn.Error())

	clean := &StartupError{PID: 7}
	assert.Equal(t, "child (pid 7) exited during start grace period: exit status 0", clean.Error())

	inner := errors.New("boom")
	wrapped := &StartupError{PID: 7, Err: inner}
	assert.ErrorIs(t, wrapped, inner)
}
