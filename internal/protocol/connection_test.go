package protocol

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readUntil(t *testing.T, c Connection, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		chunk, err := c.ReadAvailable(context.Background())
		require.NoError(t, err)
		got.Write(chunk)
		if strings.Contains(got.String(), want) {
			return got.String()
		}
	}
	t.Fatalf("timeout waiting for %q, got %q", want, got.String())
	return ""
}

// fakeBridge acknowledges every line it receives, like a controller behind a telnet bridge
func fakeBridge(t *testing.T) (string, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			conn.Write([]byte("ok\r\n"))
		}
	}()
	return ln.Addr().String(), conns
}

func TestTCPConnectionRoundTrip(t *testing.T) {
	addr, _ := fakeBridge(t)

	tc := NewTCPConnection(&TCPConfig{Address: addr, PollInterval: 10 * time.Millisecond, DialTimeout: time.Second}, zap.NewNop())
	require.NoError(t, tc.Open(context.Background()))
	defer tc.Close()
	assert.True(t, tc.IsOpen())

	chunk, err := tc.ReadAvailable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunk)

	require.NoError(t, tc.Write(context.Background(), []byte("G90\n")))
	assert.Equal(t, "ok\r\n", readUntil(t, tc, "ok\r\n"))

	stats := tc.Stats()
	assert.Equal(t, int64(4), stats.BytesWritten)
	assert.Equal(t, int64(4), stats.BytesRead)
	assert.True(t, stats.IsConnected)

	require.NoError(t, tc.Close())
	assert.False(t, tc.IsOpen())
	assert.Error(t, tc.Write(context.Background(), []byte("?")))
}

func TestTCPConnectionResetInputBuffer(t *testing.T) {
	addr, conns := fakeBridge(t)

	tc := NewTCPConnection(&TCPConfig{Address: addr, PollInterval: 10 * time.Millisecond, DialTimeout: time.Second}, zap.NewNop())
	require.NoError(t, tc.Open(context.Background()))
	defer tc.Close()

	server := <-conns
	_, err := server.Write([]byte("Grbl 1.1h ['$' for help]\r\n"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, tc.ResetInputBuffer())
	chunk, err := tc.ReadAvailable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunk)
}

func TestTCPConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tc := NewTCPConnection(&TCPConfig{Address: addr, DialTimeout: time.Second}, zap.NewNop())
	assert.Error(t, tc.Open(context.Background()))
	assert.False(t, tc.IsOpen())
}

func TestSerialConnectionOverPTY(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	sc := NewSerialConnection(&SerialConfig{
		Port:         slave.Name(),
		BaudRate:     115200,
		PollInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	if err := sc.Open(context.Background()); err != nil {
		t.Skipf("serial open on pty not supported here: %v", err)
	}
	defer sc.Close()

	// Empty read returns within the poll interval
	chunk, err := sc.ReadAvailable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunk)

	_, err = master.Write([]byte("ok\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readUntil(t, sc, "ok"), "ok")

	require.NoError(t, sc.Write(context.Background(), []byte("$H\n")))
	buf := make([]byte, 16)
	n, err := master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "$H\n", strings.ReplaceAll(string(buf[:n]), "\r", ""))

	require.NoError(t, sc.ResetInputBuffer())
	assert.Equal(t, slave.Name(), sc.Address())
	assert.Equal(t, KindSerial, sc.Kind())
	assert.Equal(t, int64(3), sc.Stats().BytesWritten)
}

func TestSerialModeValidation(t *testing.T) {
	_, err := serialMode(&SerialConfig{StopBits: 3})
	assert.Error(t, err)

	_, err = serialMode(&SerialConfig{Parity: "sideways"})
	assert.Error(t, err)

	mode, err := serialMode(&SerialConfig{BaudRate: 115200, StopBits: 1, Parity: "none"})
	require.NoError(t, err)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, 115200, mode.BaudRate)
}
