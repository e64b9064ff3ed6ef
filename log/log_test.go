package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalHandlerOutputsKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewTerminalHandler(&buf, false))
	l.Info("peer connected", "host", "192.0.2.1:8333", "inbound", false)

	out := buf.String()
	require.Contains(t, out, "peer connected")
	require.Contains(t, out, "host=192.0.2.1:8333")
	require.Contains(t, out, "inbound=false")
	require.True(t, strings.HasPrefix(out, "INFO "))
}

func TestContextIsInherited(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewTerminalHandler(&buf, false)).New("peer", 7)
	l.Warn("stall detected")

	out := buf.String()
	require.Contains(t, out, "peer=7")
	require.Contains(t, out, "stall detected")
}

func TestCritLogsMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(NewTerminalHandler(&buf, false))
	l.Crit("fatal condition")
	require.Contains(t, buf.String(), "fatal condition")
}
