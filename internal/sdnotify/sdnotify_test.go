package sdnotify

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "ratecore/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := New(Config{Notify: true, Watchdog: true}, logx.Nop())
	if n.Ready("r") || n.Stopping("x") || n.Status("y") {
		t.Fatal("notification sent without NOTIFY_SOCKET")
	}
	if n.Watchdog() != nil {
		t.Fatal("watchdog enabled without WATCHDOG_USEC")
	}
	n.Stroke()
	if n.Strokes() != 0 {
		t.Fatalf("strokes = %d", n.Strokes())
	}
}

func TestDisabledDoesNotSend(t *testing.T) {
	conn := listen(t)
	n := New(Config{}, logx.Nop())
	if n.Ready("r") {
		t.Fatal("Ready sent while notify is disabled")
	}
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 64)); err == nil {
		t.Fatal("datagram received while notify is disabled")
	}
}

func TestReadyAndStopping(t *testing.T) {
	conn := listen(t)
	n := New(Config{Notify: true}, logx.Nop())
	if !n.Ready("run-7") {
		t.Fatal("Ready not delivered")
	}
	if msg := read(t, conn); !strings.HasPrefix(msg, "READY=1\n") || !strings.Contains(msg, "run-7") {
		t.Fatalf("ready message = %q", msg)
	}
	n.Stopping("sigterm")
	if msg := read(t, conn); !strings.Contains(msg, "STOPPING=1") || !strings.Contains(msg, "sigterm") {
		t.Fatalf("stopping message = %q", msg)
	}
}

func TestWatchdogStrokesAreThrottled(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "200000")
	t.Setenv("WATCHDOG_PID", "")
	n := New(Config{Notify: true, Watchdog: true}, logx.Nop())
	if n.WatchdogInterval() != 200*time.Millisecond {
		t.Fatalf("interval = %s", n.WatchdogInterval())
	}
	stroke := n.Watchdog()
	if stroke == nil {
		t.Fatal("watchdog not enabled")
	}
	for i := 0; i < 50; i++ {
		stroke()
	}
	if n.Strokes() != 1 {
		t.Fatalf("strokes = %d, want 1 within half an interval", n.Strokes())
	}
	if msg := read(t, conn); msg != "WATCHDOG=1" {
		t.Fatalf("watchdog message = %q", msg)
	}
	time.Sleep(110 * time.Millisecond)
	stroke()
	if n.Strokes() != 2 {
		t.Fatalf("strokes = %d after half an interval", n.Strokes())
	}
}
