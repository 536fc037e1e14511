// Package localchannel implements the servent's local control channel:
// the framed duplex connection to the interactive front-end, including
// its two-message startup handshake.
package localchannel

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ripplenet/servent/internal/protocol"
	"github.com/ripplenet/servent/internal/transport"
)

// ErrAlreadyConnected is returned by Handshake when a local channel is
// already established and a second front-end tries to connect; the new
// connection is rejected and the old channel remains.
var ErrAlreadyConnected = errors.New("localchannel: a front-end is already connected")

// ErrProtocolViolation is returned when the front-end sends anything other
// than LOCAL_HANDSHAKE as its opening message, or an opcode outside the
// allowed set once connected. This is fatal: the servent logs it, closes
// the channel to signal the front-end, and the caller is expected to exit
// the process non-zero.
var ErrProtocolViolation = errors.New("localchannel: protocol violation")

// Channel is the servent's end of the local control connection.
type Channel struct {
	conn *transport.Conn
	log  *slog.Logger
}

// Handshake performs the servent side of the startup handshake: read
// LOCAL_HANDSHAKE, reply with LOCAL_HANDSHAKE carrying status. Any other
// opening opcode is a protocol violation.
func Handshake(conn *transport.Conn, log *slog.Logger, ready bool) (*Channel, error) {
	op, err := protocol.ReadOpcode(conn)
	if err != nil {
		return nil, fmt.Errorf("localchannel: reading handshake opcode: %w", err)
	}
	if op != protocol.LocalHandshake {
		return nil, fmt.Errorf("%w: opening opcode %v, want LOCAL_HANDSHAKE", ErrProtocolViolation, op)
	}

	status := protocol.NotReady
	if ready {
		status = protocol.Ready
	}
	reply := protocol.LocalHandshakeReplyMsg{Status: status}
	if err := reply.Encode(conn); err != nil {
		return nil, fmt.Errorf("localchannel: writing handshake reply: %w", err)
	}

	log.Info("local channel handshake complete", "ready", ready)
	return &Channel{conn: conn, log: log}, nil
}

// CommandKind discriminates the command a front-end issued.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandExit
	CommandSearch
	CommandDownload
)

// Command is the decoded result of PollCommand: exactly one of Search or
// Download is meaningful, selected by Kind.
type Command struct {
	Kind     CommandKind
	Search   protocol.LocalSearchMsg
	Download protocol.LocalDownloadMsg
}

// PollCommand checks the channel for one pending opcode within timeout and
// decodes it. It returns CommandNone (ok=false) on a plain timeout; any
// other opcode is ErrProtocolViolation, which the caller should treat as
// fatal.
func (c *Channel) PollCommand(timeout time.Duration) (cmd Command, ok bool, err error) {
	if perr := transport.PollReadable(c.conn, timeout); perr != nil {
		if errors.Is(perr, transport.ErrTimeout) {
			return Command{}, false, nil
		}
		return Command{}, false, perr
	}

	op, err := protocol.ReadOpcode(c.conn)
	if err != nil {
		return Command{}, false, err
	}

	switch op {
	case protocol.LocalExit:
		return Command{Kind: CommandExit}, true, nil
	case protocol.LocalSearch:
		m, err := protocol.DecodeLocalSearch(c.conn)
		if err != nil {
			return Command{}, false, err
		}
		return Command{Kind: CommandSearch, Search: m}, true, nil
	case protocol.LocalDownload:
		m, err := protocol.DecodeLocalDownload(c.conn)
		if err != nil {
			return Command{}, false, err
		}
		return Command{Kind: CommandDownload, Download: m}, true, nil
	default:
		return Command{}, false, fmt.Errorf("%w: opcode %v", ErrProtocolViolation, op)
	}
}

// SendSearchResult replies to the front-end with a search outcome.
func (c *Channel) SendSearchResult(m protocol.LocalSearchResultMsg) error {
	return m.Encode(c.conn)
}

// SendDownloadResult replies to the front-end with a download outcome.
func (c *Channel) SendDownloadResult(m protocol.LocalDownloadResultMsg) error {
	return m.Encode(c.conn)
}

// Close closes the underlying connection, which is how the servent
// signals the front-end on a fatal protocol error.
func (c *Channel) Close() error {
	return c.conn.Close()
}
