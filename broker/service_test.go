package broker

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ydl-project/ydl/internal/config"
	"github.com/ydl-project/ydl/internal/logger"
	"github.com/ydl-project/ydl/internal/metrics"
	"github.com/ydl-project/ydl/wire"
)

// startTestService binds an ephemeral TCP port and runs Serve in the
// background, returning the service and a teardown func.
func startTestService(t *testing.T) (*Service, func()) {
	t.Helper()
	cfg := config.DefaultBrokerConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.Port = 0
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SubscriberQueueSize = 4

	svc := New(cfg, metrics.New(), logger.New(discard{}, logger.LevelError, "[test]"))

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		// Serve binds synchronously before accepting, but we still need to
		// poll Addr() since Serve itself never signals "bound".
		_ = svc.Serve(ctx)
	}()
	require.Eventually(t, func() bool {
		addr := svc.Addr()
		if addr != nil {
			close(started)
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	<-started

	return svc, cancel
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func dialAndSubscribe(t *testing.T, addr net.Addr, channels ...string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	args := make([]interface{}, len(channels))
	for i, c := range channels {
		args[i] = c
	}
	require.NoError(t, wire.WriteFrame(conn, wire.New(wire.SubscribeChannel, args...)))
	return conn
}

func TestServiceBasicPubSub(t *testing.T) {
	svc, stop := startTestService(t)
	defer stop()

	sub := dialAndSubscribe(t, svc.Addr(), "cheese")
	defer sub.Close()

	pub := dialAndSubscribe(t, svc.Addr())
	defer pub.Close()

	require.NoError(t, wire.WriteFrame(pub, wire.New("cheese", 1.0, 2.0, 3.0, "cool")))

	_ = sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := wire.ReadFrame(sub)
	require.NoError(t, err)
	require.Equal(t, "cheese", got.Channel())
	require.Equal(t, []interface{}{1.0, 2.0, 3.0, "cool"}, got.Args())
}

func TestServiceFanOutToMultipleSubscribers(t *testing.T) {
	svc, stop := startTestService(t)
	defer stop()

	a1 := dialAndSubscribe(t, svc.Addr(), "x")
	a2 := dialAndSubscribe(t, svc.Addr(), "x")
	a3 := dialAndSubscribe(t, svc.Addr(), "x")
	defer a1.Close()
	defer a2.Close()
	defer a3.Close()

	pub := dialAndSubscribe(t, svc.Addr())
	defer pub.Close()
	require.NoError(t, wire.WriteFrame(pub, wire.New("x", "hi")))

	for _, conn := range []net.Conn{a1, a2, a3} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := wire.ReadFrame(conn)
		require.NoError(t, err)
		require.Equal(t, "x", got.Channel())
		require.Equal(t, []interface{}{"hi"}, got.Args())
	}
}

func TestServiceSelfDeliveryIsSymmetric(t *testing.T) {
	svc, stop := startTestService(t)
	defer stop()

	conn := dialAndSubscribe(t, svc.Addr(), "cheese")
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.New("cheese", "own")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, "cheese", got.Channel())
	require.Equal(t, []interface{}{"own"}, got.Args())
}

func TestServiceMalformedFrameIsolatesOffendingConnection(t *testing.T) {
	svc, stop := startTestService(t)
	defer stop()

	bad := dialAndSubscribe(t, svc.Addr())
	good := dialAndSubscribe(t, svc.Addr(), "k")
	defer good.Close()

	// A non-array JSON root is a FrameError; the broker must close only
	// this connection.
	body := []byte(`{"not":"an array"}`)
	lenBuf := make([]byte, wire.LengthPrefixSize)
	lenBuf[3] = byte(len(body))
	_, _ = bad.Write(lenBuf)
	_, _ = bad.Write(body)

	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := bad.Read(make([]byte, 1))
	require.Error(t, err)

	pub := dialAndSubscribe(t, svc.Addr())
	defer pub.Close()
	require.NoError(t, wire.WriteFrame(pub, wire.New("k", 42.0)))

	_ = good.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := wire.ReadFrame(good)
	require.NoError(t, err)
	require.Equal(t, "k", got.Channel())
}

func TestServiceRejectsHandshakeWithoutSubscriptionFrame(t *testing.T) {
	svc, stop := startTestService(t)
	defer stop()

	conn, err := net.Dial("tcp", svc.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Send an ordinary publish frame as the very first frame: not a
	// subscription declaration, so the handshake must reject it.
	require.NoError(t, wire.WriteFrame(conn, wire.New("not-a-subscribe", 1.0)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServiceSlowSubscriberIsDisconnected(t *testing.T) {
	svc, stop := startTestService(t)
	defer stop()

	slow := dialAndSubscribe(t, svc.Addr(), "firehose")
	defer slow.Close()

	pub := dialAndSubscribe(t, svc.Addr())
	defer pub.Close()

	// The test service's subscriber queue holds 4 frames. Publish far more
	// data than the loopback socket buffers can absorb, without ever reading
	// from slow, so the broker's write to slow blocks, its outbound queue
	// overflows, and the broker drops it rather than blocking the publisher.
	payload := strings.Repeat("x", 64*1024)
	for i := 0; i < 512; i++ {
		require.NoError(t, wire.WriteFrame(pub, wire.New("firehose", float64(i), payload)))
	}

	_ = slow.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	sawEOF := false
	for time.Now().Before(deadline) {
		_, err := slow.Read(buf)
		if err != nil {
			// A read timeout means the connection is still open.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			sawEOF = true
			break
		}
	}
	require.True(t, sawEOF, "broker should have disconnected the slow subscriber")
}
