package syncbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

func newNATSBus(t *testing.T) (*NATSBus, *nats.Conn) {
	t.Helper()
	addr := os.Getenv("WARDEN_TEST_NATS_ADDR")

	var (
		conn *nats.Conn
		s    *server.Server
		err  error
	)
	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn)
	t.Cleanup(func() {
		_ = bus.Close()
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, conn
}

func TestNATSBus(t *testing.T) {
	bus, _ := newNATSBus(t)
	testBusRoundTrip(t, bus)
	if m := bus.Metrics(); m.Published != 2 || m.Delivered != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSBusReleaseTopic(t *testing.T) {
	bus, _ := newNATSBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, DefaultTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, DefaultTopic, NewEvent("orders:42", "id")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch, 2*time.Second); got.Resource != "orders:42" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestNATSBusClosedConnection(t *testing.T) {
	bus, conn := newNATSBus(t)
	conn.Close()
	err := bus.Publish(context.Background(), "topic", NewEvent("r", ""))
	if !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
