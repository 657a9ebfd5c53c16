package server

import (
	"context"
	"net"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/teslashibe/go-spl/internal/protocol"
)

func TestLevelStream(t *testing.T) {
	server, m := setupTestServer(t, 3)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go server.app.Listener(ln)
	t.Cleanup(func() { server.app.Shutdown() })

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go server.WSHub().Run(hubCtx)

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/level/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Round trip a ping so the connection is registered before readings flow
	if err := conn.WriteMessage(gws.TextMessage, []byte(`{"type":"ping","data":"x"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	reply := readMessage(t, conn)
	if reply.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %s", reply.Type)
	}
	if string(reply.Data) != `"x"` {
		t.Errorf("pong data = %s, want \"x\"", reply.Data)
	}

	deadline := time.Now().Add(time.Second)
	for m.Stats().SubscriberCount == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not subscribe")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		msg := readMessage(t, conn)
		if msg.Type != protocol.TypeLevel {
			t.Fatalf("expected level message, got %s", msg.Type)
		}

		data, err := msg.GetLevelData()
		if err != nil {
			t.Fatalf("GetLevelData() error = %v", err)
		}
		if data.Seq != want {
			t.Errorf("seq = %d, want %d", data.Seq, want)
		}
		if data.DB < 49 || data.DB > 51 {
			t.Errorf("expected level around 50 dB, got %d", data.DB)
		}
		if data.Peak == nil {
			t.Error("expected peak in stream message")
		}
	}

	if server.WSHub().ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", server.WSHub().ClientCount())
	}
}

func readMessage(t *testing.T, conn *gws.Conn) *protocol.Message {
	t.Helper()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage(%s) error = %v", data, err)
	}
	return msg
}
