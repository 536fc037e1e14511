package localchannel

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ripplenet/servent/internal/protocol"
	"github.com/ripplenet/servent/internal/transport"
)

func newPipe(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()

	ln, err := transport.CreateListening("0", 1)
	if err != nil {
		t.Fatalf("CreateListening: %v", err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	clientDone := make(chan *transport.Conn, 1)
	go func() {
		c, err := transport.ConnectWithRetry(context.Background(), "127.0.0.1", port, 3, 10*time.Millisecond, time.Second)
		if err != nil {
			t.Errorf("ConnectWithRetry: %v", err)
		}
		clientDone <- c
	}()

	server, err := transport.AcceptDeadline(ln, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("AcceptDeadline: %v", err)
	}
	client := <-clientDone
	return server, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandshakeSucceeds(t *testing.T) {
	server, client := newPipe(t)
	defer server.Close()
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := Handshake(server, discardLogger(), true)
		errc <- err
	}()

	if err := (protocol.LocalHandshakeMsg{}).Encode(client); err != nil {
		t.Fatalf("client encode handshake: %v", err)
	}

	if err := <-errc; err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	op, err := protocol.ReadOpcode(client)
	if err != nil {
		t.Fatalf("client read reply opcode: %v", err)
	}
	if op != protocol.LocalHandshakeReply {
		t.Fatalf("reply opcode = %v, want LocalHandshakeReply", op)
	}
	reply, err := protocol.DecodeLocalHandshakeReply(client)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != protocol.Ready {
		t.Fatalf("Status = %v, want Ready", reply.Status)
	}
}

func TestHandshakeRejectsWrongOpeningOpcode(t *testing.T) {
	server, client := newPipe(t)
	defer server.Close()
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := Handshake(server, discardLogger(), true)
		errc <- err
	}()

	if err := (protocol.LocalExitMsg{}).Encode(client); err != nil {
		t.Fatalf("client encode: %v", err)
	}

	err := <-errc
	if err == nil {
		t.Fatal("expected Handshake to fail on a non-handshake opening opcode")
	}
}

func TestPollCommandDecodesSearch(t *testing.T) {
	server, client := newPipe(t)
	defer server.Close()
	defer client.Close()

	ch := &Channel{conn: server, log: discardLogger()}

	if err := (protocol.LocalSearchMsg{Name: "song.mp3"}).Encode(client); err != nil {
		t.Fatalf("client encode: %v", err)
	}

	cmd, ok, err := ch.PollCommand(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollCommand: %v", err)
	}
	if !ok {
		t.Fatal("PollCommand ok = false, want true")
	}
	if cmd.Kind != CommandSearch || cmd.Search.Name != "song.mp3" {
		t.Fatalf("cmd = %+v, want Search{song.mp3}", cmd)
	}
}

func TestPollCommandTimesOutCleanly(t *testing.T) {
	server, client := newPipe(t)
	defer server.Close()
	defer client.Close()

	ch := &Channel{conn: server, log: discardLogger()}

	_, ok, err := ch.PollCommand(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollCommand: %v", err)
	}
	if ok {
		t.Fatal("PollCommand ok = true on an empty channel, want false")
	}
}
