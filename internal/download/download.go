// Package download implements the point-to-point download engine: it
// bypasses the flood mesh entirely, opening a fresh stream directly to
// the holder a search turned up. It covers all three legs of a transfer:
// the user-initiated request, the source-side service that answers a
// DOWNLOAD_REQUEST on behalf of a file this servent holds, and the
// receiver-side completion that lands the bytes on disk once the reply
// arrives.
package download

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/ripplenet/servent/internal/protocol"
	"github.com/ripplenet/servent/internal/share"
	"github.com/ripplenet/servent/internal/transport"
)

// Pending is a download this servent initiated and is waiting on a
// DOWNLOAD_REPLY for, tracked from the moment DOWNLOAD_REQUEST is sent
// until the source's reply is read.
type Pending struct {
	Conn     *transport.Conn
	IP       string
	Port     string
	Filename string
}

// PendingSet holds every in-flight Pending download. Like neighbours.Manager
// it is a plain slice mutated only from the servent loop's goroutine; there
// is no internal locking.
type PendingSet struct {
	entries []*Pending
}

// NewPendingSet returns an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{}
}

// Len reports the number of in-flight downloads.
func (s *PendingSet) Len() int { return len(s.entries) }

// All returns the live entries, in insertion order. The caller must not
// retain the slice across a mutating call.
func (s *PendingSet) All() []*Pending { return s.entries }

func (s *PendingSet) add(p *Pending) { s.entries = append(s.entries, p) }

// Remove drops p from the set, closing nothing — the caller owns p.Conn's
// lifetime once it has been handed the entry back from All/Poll.
func (s *PendingSet) Remove(p *Pending) {
	for i, e := range s.entries {
		if e == p {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// CloseAll closes every in-flight connection and empties the set, for use
// on servent shutdown.
func (s *PendingSet) CloseAll() {
	for _, p := range s.entries {
		_ = p.Conn.Close()
	}
	s.entries = nil
}

// Start begins a user-initiated download on behalf of a
// LOCAL_DOWNLOAD{ip, port, filename} command.
//
// If filename is held in dir, Start returns a LocalDownloadResultMsg with
// code Local and a nil Pending: the caller should send the result straight
// to the front-end. Otherwise Start dials (ip, port); a failed dial yields
// code RemoteOffline, again with no Pending. On a successful dial, Start
// sends DOWNLOAD_REQUEST{filename} and returns a Pending for the caller to
// add to its PendingSet and poll later; the result return is its zero
// value in that case and should be ignored (pending != nil tells the two
// cases apart).
func Start(ctx context.Context, log *slog.Logger, dial func(ctx context.Context, ip, port string) (*transport.Conn, error), dir, ip, port, filename string) (result protocol.LocalDownloadResultMsg, pending *Pending, err error) {
	has, err := share.Has(dir, filename)
	if err != nil {
		return protocol.LocalDownloadResultMsg{}, nil, err
	}
	if has {
		return protocol.LocalDownloadResultMsg{
			IP: ip, Port: port, Filename: filename,
			Code: protocol.DownloadLocal,
		}, nil, nil
	}

	conn, dialErr := dial(ctx, ip, port)
	if dialErr != nil {
		log.Debug("download: dial failed, reporting offline", "ip", ip, "port", port, "error", dialErr)
		return protocol.LocalDownloadResultMsg{
			IP: ip, Port: port, Filename: filename,
			Code: protocol.DownloadRemoteOffline,
		}, nil, nil
	}

	if err := (protocol.DownloadRequestMsg{Filename: filename}).Encode(conn); err != nil {
		conn.Close()
		return protocol.LocalDownloadResultMsg{}, nil, err
	}

	return protocol.LocalDownloadResultMsg{}, &Pending{Conn: conn, IP: ip, Port: port, Filename: filename}, nil
}

// Add installs p, returned by Start, into the set.
func (s *PendingSet) Add(p *Pending) { s.add(p) }

// ErrNotReady is returned by Poll when the pending socket has no data yet.
var ErrNotReady = transport.ErrTimeout

// Poll checks one Pending entry for a completed reply, waiting up to
// timeout for the first byte. On ErrNotReady the caller should leave p in
// the set and try again next tick. On any other error the caller should drop p (its
// connection is no longer usable). On success the reply is decoded and the
// caller should pass it to Finish and remove p from the set.
func Poll(p *Pending, timeout time.Duration) (protocol.DownloadReplyMsg, error) {
	if err := transport.PollReadable(p.Conn, timeout); err != nil {
		return protocol.DownloadReplyMsg{}, err
	}

	op, err := protocol.ReadOpcode(p.Conn)
	if err != nil {
		return protocol.DownloadReplyMsg{}, err
	}
	if op != protocol.DownloadReply {
		return protocol.DownloadReplyMsg{}, protocol.ErrUnexpectedOpcode
	}
	return protocol.DecodeDownloadReply(p.Conn)
}

// Finish turns a decoded DownloadReplyMsg into the LOCAL_DOWNLOAD_RESULT the
// front-end expects, writing the received bytes under dir when the source
// reported the file found. The found variant of DOWNLOAD_REPLY carries no
// address fields, so the result's IP/Port come from the Pending entry the
// request was issued against.
func Finish(dir string, p *Pending, reply protocol.DownloadReplyMsg) (protocol.LocalDownloadResultMsg, error) {
	if reply.Code == protocol.DownloadRemoteFound {
		if err := share.Write(dir, reply.Filename, reply.Data); err != nil {
			return protocol.LocalDownloadResultMsg{}, err
		}
	}
	ip, port := reply.IP, reply.Port
	if ip == "" {
		ip, port = p.IP, p.Port
	}
	return protocol.LocalDownloadResultMsg{
		IP: ip, Port: port, Filename: reply.Filename,
		Code: reply.Code,
	}, nil
}

// Serve is the source side of a transfer: it answers a DOWNLOAD_REQUEST
// already decoded off conn, replying with whether filename is held in dir
// and, if so, its bytes. The caller owns closing conn afterwards.
func Serve(conn io.Writer, dir string, req protocol.DownloadRequestMsg, selfIP, selfPort string) error {
	has, err := share.Has(dir, req.Filename)
	if err != nil {
		return err
	}
	if !has {
		return (protocol.DownloadReplyMsg{
			Code: protocol.DownloadRemoteNotFound, IP: selfIP, Port: selfPort, Filename: req.Filename,
		}).Encode(conn)
	}

	data, err := share.Read(dir, req.Filename)
	if err != nil {
		return err
	}
	return (protocol.DownloadReplyMsg{
		Code: protocol.DownloadRemoteFound, Filename: req.Filename, Data: data,
	}).Encode(conn)
}
