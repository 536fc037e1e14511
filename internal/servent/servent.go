// Package servent implements the servent's in-memory state and the single
// cooperative event loop that drives every other component each tick. It
// is the top-level assembly point: everything else in this module
// (protocol, transport, neighbours, search, download, localchannel, share)
// is a leaf the loop calls into in a fixed per-tick order.
package servent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ripplenet/servent/internal/config"
	"github.com/ripplenet/servent/internal/download"
	"github.com/ripplenet/servent/internal/localchannel"
	"github.com/ripplenet/servent/internal/neighbours"
	"github.com/ripplenet/servent/internal/protocol"
	"github.com/ripplenet/servent/internal/search"
	"github.com/ripplenet/servent/internal/share"
	"github.com/ripplenet/servent/internal/transport"
)

// ErrFatalLocalProtocol is returned by Run when the front-end violates the
// local control channel protocol. The caller (cmd/servent) is expected to
// exit the process with a non-zero status on this error.
var ErrFatalLocalProtocol = errors.New("servent: fatal local control channel protocol violation")

// Request is the sum type of work queued during a tick for dispatch at
// the end of that tick. Each variant is its own struct rather than a
// tagged union with a void* body.
type Request interface{ isRequest() }

// SearchLocal is a search issued by our own front-end.
type SearchLocal struct{ Name string }

func (SearchLocal) isRequest() {}

// SearchRemote is a search received from a neighbour, still carrying the
// neighbour it arrived on so a Forward can exclude it and a ReplyBack can
// target it.
type SearchRemote struct {
	Neighbour *neighbours.Neighbour
	Remote    search.RemoteSearch
}

func (SearchRemote) isRequest() {}

// DownloadLocal is a download issued by our own front-end.
type DownloadLocal struct{ IP, Port, Filename string }

func (DownloadLocal) isRequest() {}

// DownloadRemote is a download request received from another servent,
// still holding the open connection to reply on.
type DownloadRemote struct {
	Conn *transport.Conn
	Req  protocol.DownloadRequestMsg
}

func (DownloadRemote) isRequest() {}

// Servent holds the servent's complete in-memory state: the listening
// endpoint, the local channel, the bounded neighbour set, awaiting
// sockets, the per-tick pending request queue, the search log/router and
// the pending download set. It is driven exclusively by the single
// goroutine that calls Run; nothing here is safe for concurrent access.
type Servent struct {
	cfg *config.Config
	log *slog.Logger

	listener *net.TCPListener

	localCh       *localchannel.Channel
	handshakeDone bool

	neighbours       *neighbours.Manager
	router           *search.Router
	pendingDownloads *download.PendingSet

	awaiting []*transport.Conn
	pending  []Request

	ownContactPort string

	lastDebugDump time.Time
	lastTick      time.Time

	// lostOverlay is set by removeNeighbour when a departure drives the
	// neighbour count to zero: the loop checks this, not the raw count,
	// since a first-machine servent legitimately starts with zero
	// neighbours and must keep running.
	lostOverlay bool

	dial func(ctx context.Context, ip, port string) (*transport.Conn, error)
}

// New constructs a Servent bound to listenPort. It creates the listening
// endpoint and the share directory eagerly; callers should follow with
// Bootstrap to perform the initial join (or skip it for a first-machine
// servent) before calling Run.
func New(cfg *config.Config, log *slog.Logger, listenPort string) (*Servent, error) {
	ln, err := transport.CreateListening(listenPort, cfg.ListenBacklog)
	if err != nil {
		return nil, fmt.Errorf("servent: create listening endpoint: %w", err)
	}
	if err := share.EnsureDir(cfg.ShareDir); err != nil {
		ln.Close()
		return nil, err
	}

	_, boundPort, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("servent: resolve bound port: %w", err)
	}

	dial := func(ctx context.Context, ip, port string) (*transport.Conn, error) {
		return transport.ConnectWithRetry(ctx, ip, port, cfg.DialAttempts, cfg.DialRetryDelay, cfg.DialTimeout)
	}

	nm := neighbours.NewManager(log, cfg.MaxNeighbours, cfg.MinNeighbours, cfg.JoinChance, cfg.JoinMaxAttempts, boundPort, dial)

	s := &Servent{
		cfg:              cfg,
		log:              log.With("component", "servent"),
		listener:         ln,
		neighbours:       nm,
		router:           search.NewRouter(),
		pendingDownloads: download.NewPendingSet(),
		ownContactPort:   boundPort,
		dial:             dial,
	}
	return s, nil
}

// ListenPort returns the port the servent's listening endpoint is bound
// on (useful when New was called with port "0").
func (s *Servent) ListenPort() string { return s.ownContactPort }

// Bootstrap performs the initial join sequence against (contactIP,
// contactPort), or does nothing if contactIP is empty (first-machine
// mode, per the CLI's --first flag).
func (s *Servent) Bootstrap(ctx context.Context, contactIP, contactPort string) error {
	if contactIP == "" {
		s.log.Info("starting as first machine, no bootstrap join")
		return nil
	}
	s.log.Info("joining overlay", "contact_ip", contactIP, "contact_port", contactPort)
	if err := s.neighbours.JoinOverlay(ctx, contactIP, contactPort); err != nil {
		return fmt.Errorf("servent: bootstrap join: %w", err)
	}
	s.log.Info("bootstrap join complete", "neighbours", s.neighbours.Count())
	return nil
}

func (s *Servent) selfIP() string { return s.neighbours.SelfIP() }

// Run drives the servent loop until ctx is cancelled, the front-end sends
// LOCAL_EXIT, or the overlay is lost (neighbour count reaches zero after
// a departure). It always runs Shutdown before returning. A non-nil
// return other than context.Canceled/DeadlineExceeded means the loop
// ended abnormally; ErrFatalLocalProtocol specifically means the caller
// should exit non-zero.
func (s *Servent) Run(ctx context.Context) error {
	s.lastTick = time.Now()
	defer s.Shutdown()

	continueLoop := true
	for continueLoop {
		if ctx.Err() != nil {
			break
		}

		tickStart := time.Now()
		elapsed := tickStart.Sub(s.lastTick)
		s.lastTick = tickStart

		more, err := s.tick(ctx, elapsed)
		if err != nil {
			return err
		}
		continueLoop = more

		if spent := time.Since(tickStart); spent < s.cfg.LoopMinDuration {
			time.Sleep(s.cfg.LoopMinDuration - spent)
		}
	}
	return nil
}

// tick runs one iteration of the loop, returning whether the loop should
// keep running. The step order is fixed: accept, classify awaiting
// sockets, debug dump, poll neighbours, poll in-flight downloads, poll
// the local channel, dispatch the requests queued this tick, age the
// search log.
func (s *Servent) tick(ctx context.Context, elapsed time.Duration) (bool, error) {
	if err := s.acceptStep(); err != nil {
		return false, err
	}

	if err := s.processAwaiting(); err != nil {
		return false, err
	}

	s.debugDumpStep()

	s.processNeighbours(ctx)
	if s.lostOverlay {
		return false, nil
	}

	s.processPendingDownloads()

	keepGoing, err := s.processLocalChannel()
	if err != nil {
		return false, err
	}
	if !keepGoing {
		return false, nil
	}

	s.dispatchPending(ctx)

	s.router.Log().Age(elapsed)

	return true, nil
}

// acceptStep accepts one pending connection, if any, and enqueues it for
// classification. Classification by source address alone (loopback =
// front-end) cannot distinguish the front-end from an overlay peer on the
// same host, so the decision is deferred to processAwaiting, which peeks
// the first opcode's class bit once one is readable: an internal opcode
// from loopback is the front-end, anything else is overlay traffic.
func (s *Servent) acceptStep() error {
	conn, err := transport.AcceptDeadline(s.listener, s.cfg.AcceptTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		s.log.Warn("accept failed", "err", err)
		return nil
	}

	s.awaiting = append(s.awaiting, conn)
	return nil
}

// tryLocalHandshake runs the servent side of the local channel handshake
// for a new loopback connection. A second front-end while one is already
// connected is refused with a warning, keeping the existing channel. Any
// other opening opcode is fatal and is surfaced as ErrFatalLocalProtocol
// so Run can stop the loop and the caller can exit non-zero.
func (s *Servent) tryLocalHandshake(conn *transport.Conn) error {
	if s.handshakeDone {
		s.log.Warn("rejecting duplicate front-end connection")
		conn.Close()
		return nil
	}

	ch, err := localchannel.Handshake(conn, s.log, true)
	if err != nil {
		if errors.Is(err, localchannel.ErrProtocolViolation) {
			s.log.Error("fatal local handshake protocol violation", "err", err)
			conn.Close()
			return fmt.Errorf("%w: %v", ErrFatalLocalProtocol, err)
		}
		s.log.Warn("local handshake failed", "err", err)
		conn.Close()
		return nil
	}

	s.localCh = ch
	s.handshakeDone = true
	return nil
}

// processAwaiting polls every awaiting socket and, once its first opcode
// is readable, classifies the connection. An internal (local channel)
// opcode from a loopback source hands the connection to the
// local-handshake path; everything else dispatches as overlay traffic.
// The only error return is the fatal local-protocol one.
func (s *Servent) processAwaiting() error {
	still := s.awaiting[:0]
	for i, conn := range s.awaiting {
		err := transport.PollReadable(conn, s.cfg.AwaitTimeout)
		switch {
		case err == nil:
			if ferr := s.classifyAwaiting(conn); ferr != nil {
				// Keep the not-yet-processed tail owned by the awaiting
				// collection so Shutdown closes each socket exactly once.
				still = append(still, s.awaiting[i+1:]...)
				s.awaiting = still
				return ferr
			}
		case errors.Is(err, transport.ErrTimeout):
			still = append(still, conn)
		default:
			conn.Close()
		}
	}
	s.awaiting = still
	return nil
}

// classifyAwaiting peeks the first opcode of a readable awaiting socket
// without consuming it and routes the connection accordingly.
func (s *Servent) classifyAwaiting(conn *transport.Conn) error {
	b, err := conn.Peek(1)
	if err != nil {
		conn.Close()
		return nil
	}
	op := protocol.Opcode(b[0])

	if op.IsInternal() {
		if transport.IsLoopback(conn.RemoteAddr()) {
			return s.tryLocalHandshake(conn)
		}
		s.log.Warn("internal opcode from non-loopback source", "opcode", op, "remote", conn.RemoteAddr())
		conn.Close()
		return nil
	}

	s.dispatchAwaiting(conn)
	return nil
}

// dispatchAwaiting reads and handles one opcode from an awaiting socket:
// NEIGHBOURS_REQUEST replies and closes; JOIN runs the accept-join policy
// (which itself closes or installs the socket); DOWNLOAD_REQUEST is
// queued as a DownloadRemote request, keeping the socket open; any other
// opcode closes the connection.
func (s *Servent) dispatchAwaiting(conn *transport.Conn) {
	op, err := protocol.ReadOpcode(conn)
	if err != nil {
		s.log.Warn("reading awaiting opcode failed", "err", err)
		conn.Close()
		return
	}

	switch op {
	case protocol.NeighboursRequest:
		reply := protocol.NeighboursReplyMsg{Holders: s.neighbours.Snapshot()}
		if err := reply.Encode(conn); err != nil {
			s.log.Warn("sending NEIGHBOURS_REPLY failed", "err", err)
		}
		conn.Close()

	case protocol.Join:
		req, err := protocol.DecodeJoin(conn)
		if err != nil {
			s.log.Warn("decoding JOIN failed", "err", err)
			conn.Close()
			return
		}
		s.neighbours.AcceptJoin(conn, req)

	case protocol.DownloadRequest:
		req, err := protocol.DecodeDownloadRequest(conn)
		if err != nil {
			s.log.Warn("decoding DOWNLOAD_REQUEST failed", "err", err)
			conn.Close()
			return
		}
		s.pending = append(s.pending, DownloadRemote{Conn: conn, Req: req})

	default:
		s.log.Warn("unexpected opcode on awaiting socket", "opcode", op)
		conn.Close()
	}
}

// debugDumpStep periodically logs the current neighbour set.
func (s *Servent) debugDumpStep() {
	now := time.Now()
	if s.lastDebugDump.IsZero() {
		s.lastDebugDump = now
		return
	}
	if now.Sub(s.lastDebugDump) < s.cfg.NeighbourDebugDumpInterval {
		return
	}
	s.lastDebugDump = now

	for _, n := range s.neighbours.All() {
		s.log.Debug("neighbour", "ip", n.IP, "contact_port", n.ContactPort)
	}
	s.log.Debug("neighbour dump complete", "count", s.neighbours.Count())
}

// processNeighbours polls every neighbour socket and dispatches whichever
// opcode it carries; a hangup or LEAVE removes the neighbour and runs
// repair.
func (s *Servent) processNeighbours(ctx context.Context) {
	for _, n := range s.neighbours.All() {
		err := transport.PollReadable(n.Conn, s.cfg.AwaitTimeout)
		switch {
		case err == nil:
			s.dispatchNeighbour(ctx, n)
		case errors.Is(err, transport.ErrTimeout):
			continue
		default:
			s.removeNeighbour(ctx, n)
		}
		if s.lostOverlay {
			return
		}
	}
}

func (s *Servent) dispatchNeighbour(ctx context.Context, n *neighbours.Neighbour) {
	op, err := protocol.ReadOpcode(n.Conn)
	if err != nil {
		s.log.Warn("reading neighbour opcode failed", "ip", n.IP, "err", err)
		s.removeNeighbour(ctx, n)
		return
	}

	switch op {
	case protocol.SearchRequest:
		req, err := protocol.DecodeSearchRequest(n.Conn)
		if err != nil {
			s.log.Warn("decoding SEARCH_REQUEST failed", "ip", n.IP, "err", err)
			s.removeNeighbour(ctx, n)
			return
		}
		s.pending = append(s.pending, SearchRemote{
			Neighbour: n,
			Remote: search.RemoteSearch{
				OriginIP:   req.OriginIP,
				OriginPort: req.OriginPort,
				Filename:   req.Filename,
				TTL:        req.TTL,
				Holders:    req.Holders,
			},
		})

	case protocol.SearchReply:
		reply, err := protocol.DecodeSearchReply(n.Conn)
		if err != nil {
			s.log.Warn("decoding SEARCH_REPLY failed", "ip", n.IP, "err", err)
			s.removeNeighbour(ctx, n)
			return
		}
		s.routeSearchReply(reply)

	case protocol.Leave:
		s.removeNeighbour(ctx, n)

	default:
		s.log.Warn("unexpected opcode from neighbour", "ip", n.IP, "opcode", op)
		s.removeNeighbour(ctx, n)
	}
}

// routeSearchReply sends an answer flowing back through the flood one hop
// further toward the originator. A servent that forwarded the request
// holds a log entry remembering the ingress neighbour; the reply rides
// back along that channel. No entry means the flood started here (the
// originator records nothing), so the answer goes to our front-end.
func (s *Servent) routeSearchReply(reply protocol.SearchReplyMsg) {
	entry := s.router.Log().FindByFilename(reply.Filename)
	if entry == nil {
		s.sendSearchResult(protocol.LocalSearchResultMsg{Filename: reply.Filename, Holders: reply.Holders})
		return
	}

	if entry.Ingress == nil || !s.neighbours.Contains(entry.Ingress) {
		s.log.Warn("back-path neighbour gone, dropping SEARCH_REPLY",
			"filename", reply.Filename, "log_entry_id", entry.ID)
		return
	}
	if err := reply.Encode(entry.Ingress.Conn); err != nil {
		s.log.Warn("forwarding SEARCH_REPLY failed", "ip", entry.Ingress.IP, "err", err)
	}
}

// removeNeighbour vacates n's slot and runs repair; if repair reports the
// overlay is lost, mark the loop to stop.
func (s *Servent) removeNeighbour(ctx context.Context, n *neighbours.Neighbour) {
	s.neighbours.Remove(n)
	if err := s.neighbours.Repair(ctx); err != nil {
		if errors.Is(err, neighbours.ErrOverlayLost) {
			s.log.Warn("lost the overlay")
			s.lostOverlay = true
			return
		}
		s.log.Warn("repair failed", "err", err)
	}
}

// processPendingDownloads polls every in-flight download, landing bytes
// on disk and replying to the front-end once a DOWNLOAD_REPLY arrives.
func (s *Servent) processPendingDownloads() {
	for _, p := range s.pendingDownloads.All() {
		reply, err := download.Poll(p, s.cfg.AwaitTimeout)
		switch {
		case err == nil:
			s.pendingDownloads.Remove(p)
			result, ferr := download.Finish(s.cfg.ShareDir, p, reply)
			p.Conn.Close()
			if ferr != nil {
				s.log.Warn("finishing download failed", "ip", p.IP, "port", p.Port, "err", ferr)
				s.sendDownloadResult(offlineResult(p.IP, p.Port, p.Filename))
				continue
			}
			s.sendDownloadResult(result)
		case errors.Is(err, download.ErrNotReady):
			continue
		default:
			s.log.Warn("pending download failed", "ip", p.IP, "port", p.Port, "err", err)
			s.pendingDownloads.Remove(p)
			p.Conn.Close()
			s.sendDownloadResult(offlineResult(p.IP, p.Port, p.Filename))
		}
	}
}

// processLocalChannel polls the local channel for one opcode and
// queues/acts on it. The bool return reports whether the loop should keep
// running (false on LOCAL_EXIT).
func (s *Servent) processLocalChannel() (bool, error) {
	if s.localCh == nil {
		return true, nil
	}

	cmd, ok, err := s.localCh.PollCommand(s.cfg.AwaitTimeout)
	if err != nil {
		if errors.Is(err, localchannel.ErrProtocolViolation) {
			s.log.Error("fatal local channel protocol violation", "err", err)
			return false, fmt.Errorf("%w: %v", ErrFatalLocalProtocol, err)
		}
		if errors.Is(err, transport.ErrHangup) || errors.Is(err, protocol.Truncated) {
			s.log.Info("front-end disconnected, local channel closed")
			s.localCh.Close()
			s.localCh = nil
			s.handshakeDone = false
			return true, nil
		}
		s.log.Warn("local channel read failed", "err", err)
		return true, nil
	}
	if !ok {
		return true, nil
	}

	switch cmd.Kind {
	case localchannel.CommandExit:
		s.log.Info("LOCAL_EXIT received")
		return false, nil
	case localchannel.CommandSearch:
		s.pending = append(s.pending, SearchLocal{Name: cmd.Search.Name})
	case localchannel.CommandDownload:
		s.pending = append(s.pending, DownloadLocal{
			IP: cmd.Download.IP, Port: cmd.Download.Port, Filename: cmd.Download.Filename,
		})
	}
	return true, nil
}

// dispatchPending dispatches every request queued this tick and clears
// the queue. Dispatch is not gated on having neighbours: downloads are
// point-to-point and a locally-satisfiable search answers without the
// overlay, so a neighbourless servent still serves them; a search flood
// broadcast over an empty neighbour set is simply a no-op.
func (s *Servent) dispatchPending(ctx context.Context) {
	pending := s.pending
	s.pending = nil
	for _, req := range pending {
		s.dispatchRequest(ctx, req)
	}
}

func (s *Servent) dispatchRequest(ctx context.Context, req Request) {
	switch r := req.(type) {
	case SearchLocal:
		s.dispatchSearchLocal(ctx, r)
	case SearchRemote:
		s.dispatchSearchRemote(ctx, r)
	case DownloadLocal:
		s.dispatchDownloadLocal(ctx, r)
	case DownloadRemote:
		s.dispatchDownloadRemote(r)
	}
}

// dispatchSearchLocal resolves a front-end search: a filename held in our
// own share directory answers synchronously with ourselves as the sole
// holder and emits no overlay packet; otherwise the search floods to
// every neighbour with a fresh hop budget.
func (s *Servent) dispatchSearchLocal(ctx context.Context, r SearchLocal) {
	found, err := share.Lookup(ctx, s.cfg.ShareDir, r.Name)
	if err != nil {
		s.log.Warn("local search lookup failed", "name", r.Name, "err", err)
		return
	}
	if found {
		s.sendSearchResult(protocol.LocalSearchResultMsg{
			Filename: r.Name,
			Holders:  []protocol.Holder{{IP: s.selfIP(), Port: s.ownContactPort}},
		})
		return
	}

	msg := protocol.SearchRequestMsg{
		OriginIP:   s.selfIP(),
		OriginPort: s.ownContactPort,
		Filename:   r.Name,
		TTL:        s.cfg.DefaultTTL,
	}
	s.neighbours.Broadcast(func(conn *transport.Conn) error { return msg.Encode(conn) })
}

// dispatchSearchRemote routes a search received from a neighbour: answer
// our own returning flood to the front-end, forward a fresh request one
// hop (appending ourselves to the holder list when we hold the file), or
// reply back along the ingress socket on a duplicate or exhausted TTL.
func (s *Servent) dispatchSearchRemote(ctx context.Context, r SearchRemote) {
	hasLocal, err := share.Lookup(ctx, s.cfg.ShareDir, r.Remote.Filename)
	if err != nil {
		s.log.Warn("remote search lookup failed", "name", r.Remote.Filename, "err", err)
		hasLocal = false
	}

	decision, holders, nextTTL := s.router.Decide(s.selfIP(), s.ownContactPort, r.Remote, r.Neighbour, hasLocal, s.cfg.LogEntryTTL)
	if entry := s.router.Log().Find(r.Remote.Filename, r.Remote.OriginIP, r.Remote.OriginPort); entry != nil {
		s.log.Debug("search log entry", "log_entry_id", entry.ID, "filename", entry.Filename, "decision", decision)
	}
	switch decision {
	case search.AnswerToOriginator:
		s.sendSearchResult(protocol.LocalSearchResultMsg{Filename: r.Remote.Filename, Holders: holders})

	case search.Forward:
		msg := protocol.SearchRequestMsg{
			OriginIP:   r.Remote.OriginIP,
			OriginPort: r.Remote.OriginPort,
			Filename:   r.Remote.Filename,
			TTL:        nextTTL,
			Holders:    holders,
		}
		sent := s.neighbours.BroadcastExcept(r.Neighbour, func(conn *transport.Conn) error { return msg.Encode(conn) })
		if sent == 0 {
			// This node is a leaf of the flood: nobody to forward to, so
			// the accumulated holder list (including ourselves, if we hold
			// the file) turns around here.
			reply := protocol.SearchReplyMsg{Filename: r.Remote.Filename, Holders: holders}
			if err := reply.Encode(r.Neighbour.Conn); err != nil {
				s.log.Warn("replying back to neighbour failed", "ip", r.Neighbour.IP, "err", err)
			}
		}

	case search.ReplyBack:
		reply := protocol.SearchReplyMsg{Filename: r.Remote.Filename, Holders: holders}
		if err := reply.Encode(r.Neighbour.Conn); err != nil {
			s.log.Warn("replying back to neighbour failed", "ip", r.Neighbour.IP, "err", err)
		}
	}
}

// dispatchDownloadLocal starts a front-end-requested download: answered
// immediately when the file is already held locally or the holder is
// unreachable, otherwise tracked as an in-flight download until the reply
// arrives.
func (s *Servent) dispatchDownloadLocal(ctx context.Context, r DownloadLocal) {
	result, pending, err := download.Start(ctx, s.log, s.dial, s.cfg.ShareDir, r.IP, r.Port, r.Filename)
	if err != nil {
		s.log.Warn("download start failed", "ip", r.IP, "port", r.Port, "filename", r.Filename, "err", err)
		s.sendDownloadResult(offlineResult(r.IP, r.Port, r.Filename))
		return
	}
	if pending != nil {
		s.pendingDownloads.Add(pending)
		return
	}
	s.sendDownloadResult(result)
}

// dispatchDownloadRemote serves a file another servent requested over the
// connection it opened for the transfer.
func (s *Servent) dispatchDownloadRemote(r DownloadRemote) {
	defer r.Conn.Close()
	if err := download.Serve(r.Conn, s.cfg.ShareDir, r.Req, s.selfIP(), s.ownContactPort); err != nil {
		s.log.Warn("serving download request failed", "filename", r.Req.Filename, "err", err)
	}
}

// offlineResult builds the LOCAL_DOWNLOAD_RESULT reported when a download
// attempt dies before a usable DOWNLOAD_REPLY arrives. The front-end gets
// a discriminating code for every attempt; a source that hung up or sent
// garbage mid-transfer is indistinguishable from one that went offline.
func offlineResult(ip, port, filename string) protocol.LocalDownloadResultMsg {
	return protocol.LocalDownloadResultMsg{
		IP: ip, Port: port, Filename: filename,
		Code: protocol.DownloadRemoteOffline,
	}
}

func (s *Servent) sendSearchResult(m protocol.LocalSearchResultMsg) {
	if s.localCh == nil {
		return
	}
	if err := s.localCh.SendSearchResult(m); err != nil {
		s.log.Warn("sending LOCAL_SEARCH_RESULT failed", "err", err)
	}
}

func (s *Servent) sendDownloadResult(m protocol.LocalDownloadResultMsg) {
	if s.localCh == nil {
		return
	}
	if err := s.localCh.SendDownloadResult(m); err != nil {
		s.log.Warn("sending LOCAL_DOWNLOAD_RESULT failed", "err", err)
	}
}

// Shutdown broadcasts LEAVE to every neighbour, closes the listening
// endpoint, the local channel, every awaiting/pending socket, and frees
// remaining pending data. Run always defers it; calling it a second time
// is harmless since every collection is emptied the first time.
func (s *Servent) Shutdown() {
	s.neighbours.Shutdown()

	if s.localCh != nil {
		s.localCh.Close()
		s.localCh = nil
	}

	for _, conn := range s.awaiting {
		conn.Close()
	}
	s.awaiting = nil

	for _, req := range s.pending {
		if dr, ok := req.(DownloadRemote); ok {
			dr.Conn.Close()
		}
	}
	s.pending = nil

	s.pendingDownloads.CloseAll()

	if s.listener != nil {
		s.listener.Close()
	}
}
