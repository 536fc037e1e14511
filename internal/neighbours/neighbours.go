// Package neighbours implements the servent's neighbour manager: a
// bounded set of neighbour connections, the join sequence used to enter
// the overlay, the accept-join policy for inbound joins, and departure
// repair.
package neighbours

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/ripplenet/servent/internal/protocol"
	"github.com/ripplenet/servent/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Neighbour is a peer to which the servent holds an open connection and
// routes overlay messages.
type Neighbour struct {
	Conn        *transport.Conn
	IP          string
	ContactPort string
}

// addrKey canonicalises (ip, port) for the duplicate-neighbour guard:
// parse and re-render the IP so that "127.0.0.1" and any equivalent
// textual form compare equal.
func addrKey(ip, port string) string {
	canon := ip
	if parsed := net.ParseIP(ip); parsed != nil {
		canon = parsed.String()
	} else if parts := strings.Split(ip, "."); len(parts) == 4 {
		// net.ParseIP rejects zero-padded octets ("127.000.000.1"), so
		// read each octet as a plain decimal number instead.
		var b [4]byte
		ok := true
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 || n > 255 {
				ok = false
				break
			}
			b[i] = byte(n)
		}
		if ok {
			canon = net.IP(b[:]).String()
		}
	}
	return canon + ":" + port
}

// Manager owns the servent's neighbour slots and the join/accept/repair
// algorithms that populate them. It is not safe for concurrent use — like
// every other component in this servent, it is only ever touched from the
// single servent-loop goroutine (with the narrow exception of the
// bounded-parallel JOIN fan-out inside JoinOverlay, whose goroutines only
// perform I/O and hand results back before any mutation occurs).
type Manager struct {
	log *slog.Logger

	maxNeighbours   int
	minNeighbours   int
	joinChance      float64
	joinMaxAttempts int

	dial func(ctx context.Context, ip, port string) (*transport.Conn, error)

	ownContactPort string
	selfIP         string

	slots []*Neighbour
}

// NewManager constructs a Manager. dial is the function used to open
// outbound overlay connections (normally transport.ConnectWithRetry bound
// to the configured attempts/delay/timeout), injected so tests can swap in
// a fake.
func NewManager(log *slog.Logger, maxNeighbours, minNeighbours int, joinChance float64, joinMaxAttempts int, ownContactPort string, dial func(ctx context.Context, ip, port string) (*transport.Conn, error)) *Manager {
	return &Manager{
		log:             log.With("component", "neighbours"),
		maxNeighbours:   maxNeighbours,
		minNeighbours:   minNeighbours,
		joinChance:      joinChance,
		joinMaxAttempts: joinMaxAttempts,
		ownContactPort:  ownContactPort,
		dial:            dial,
	}
}

// Count returns the number of populated neighbour slots.
func (m *Manager) Count() int { return len(m.slots) }

// Full reports whether the neighbour set is at capacity.
func (m *Manager) Full() bool { return len(m.slots) >= m.maxNeighbours }

// SelfIP returns the locally visible address as seen by remote peers, or
// "" if it has not been learned yet.
func (m *Manager) SelfIP() string { return m.selfIP }

// LearnSelfIP caches the locally visible address the first time it
// becomes known. Subsequent calls are no-ops.
func (m *Manager) LearnSelfIP(ip string) {
	if m.selfIP == "" {
		m.selfIP = ip
		m.log.Info("learned self IP", "self_ip", ip)
	}
}

// Has reports whether a neighbour for (ip, contactPort) is already
// present, canonicalising both sides of the comparison.
func (m *Manager) Has(ip, contactPort string) bool {
	key := addrKey(ip, contactPort)
	for _, n := range m.slots {
		if addrKey(n.IP, n.ContactPort) == key {
			return true
		}
	}
	return false
}

// add installs n as a neighbour. Callers must have already checked Full().
func (m *Manager) add(n *Neighbour) {
	m.slots = append(m.slots, n)
	m.log.Info("neighbour added", "ip", n.IP, "contact_port", n.ContactPort, "count", len(m.slots))
}

// Remove closes n's connection and vacates its slot.
func (m *Manager) Remove(n *Neighbour) {
	for i, s := range m.slots {
		if s == n {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			break
		}
	}
	_ = n.Conn.Close()
	m.log.Info("neighbour removed", "ip", n.IP, "contact_port", n.ContactPort, "count", len(m.slots))
}

// All returns a snapshot slice of the current neighbour slots. Callers
// must not retain it across a mutating call.
func (m *Manager) All() []*Neighbour {
	out := make([]*Neighbour, len(m.slots))
	copy(out, m.slots)
	return out
}

// Contains reports whether n still occupies a slot. Callers holding a
// Neighbour pointer across ticks (the search log's back-path) use this to
// avoid writing to a connection that has since been vacated.
func (m *Manager) Contains(n *Neighbour) bool {
	for _, s := range m.slots {
		if s == n {
			return true
		}
	}
	return false
}

// Snapshot returns the current neighbour set as Holders for a
// NEIGHBOURS_REPLY.
func (m *Manager) Snapshot() []protocol.Holder {
	holders := make([]protocol.Holder, len(m.slots))
	for i, n := range m.slots {
		holders[i] = protocol.Holder{IP: n.IP, Port: n.ContactPort}
	}
	return holders
}

// RequestNeighbours opens conn's NEIGHBOURS_REQUEST/NEIGHBOURS_REPLY
// exchange against an already-dialed connection and returns the holder
// list.
func RequestNeighbours(conn *transport.Conn) ([]protocol.Holder, error) {
	if err := (protocol.NeighboursRequestMsg{}).Encode(conn); err != nil {
		return nil, fmt.Errorf("neighbours: send NEIGHBOURS_REQUEST: %w", err)
	}
	op, err := protocol.ReadOpcode(conn)
	if err != nil {
		return nil, fmt.Errorf("neighbours: read reply opcode: %w", err)
	}
	if op != protocol.NeighboursReply {
		return nil, fmt.Errorf("%w: got %v, want NEIGHBOURS_REPLY", protocol.ErrUnexpectedOpcode, op)
	}
	reply, err := protocol.DecodeNeighboursReply(conn)
	if err != nil {
		return nil, fmt.Errorf("neighbours: decode NEIGHBOURS_REPLY: %w", err)
	}
	return reply.Holders, nil
}

// joinResult is one outcome of a parallel JOIN dial, collected before any
// servent-state mutation occurs.
type joinResult struct {
	ip          string
	requestedTo string // contact port we joined against
	conn        *transport.Conn
	contactPort string
	accepted    bool
}

// sendJoin dials (ip, port), performs the JOIN/JOIN_REPLY exchange, and
// reports the outcome without mutating Manager state — safe to run from an
// errgroup goroutine.
func (m *Manager) sendJoin(ctx context.Context, ip, port string, rescue bool) (joinResult, error) {
	conn, err := m.dial(ctx, ip, port)
	if err != nil {
		return joinResult{}, fmt.Errorf("neighbours: dial %s:%s: %w", ip, port, err)
	}

	req := protocol.JoinMsg{Rescue: rescue, ContactPort: m.ownContactPort}
	if err := req.Encode(conn); err != nil {
		conn.Close()
		return joinResult{}, fmt.Errorf("neighbours: send JOIN to %s:%s: %w", ip, port, err)
	}

	op, err := protocol.ReadOpcode(conn)
	if err != nil {
		conn.Close()
		return joinResult{}, fmt.Errorf("neighbours: read JOIN_REPLY opcode from %s:%s: %w", ip, port, err)
	}
	if op != protocol.JoinReply {
		conn.Close()
		return joinResult{}, fmt.Errorf("%w: got %v, want JOIN_REPLY", protocol.ErrUnexpectedOpcode, op)
	}
	reply, err := protocol.DecodeJoinReply(conn)
	if err != nil {
		conn.Close()
		return joinResult{}, fmt.Errorf("neighbours: decode JOIN_REPLY from %s:%s: %w", ip, port, err)
	}
	if !reply.Answer {
		conn.Close()
		return joinResult{ip: ip, requestedTo: port, accepted: false}, nil
	}
	return joinResult{ip: ip, requestedTo: port, conn: conn, contactPort: reply.ContactPort, accepted: true}, nil
}

// ErrOverlayLost is returned when the neighbour count reaches zero: the
// loop driving the Manager should treat this as a shutdown signal.
var ErrOverlayLost = errors.New("neighbours: lost the overlay")

// JoinOverlay runs the join sequence starting from (seedIP, seedPort):
// pull the seed's neighbour list, send JOIN to each returned peer, then
// recurse through discovered peers up to joinMaxAttempts times if the
// neighbour count stays below minNeighbours.
func (m *Manager) JoinOverlay(ctx context.Context, seedIP, seedPort string) error {
	return m.joinOverlay(ctx, seedIP, seedPort, m.joinMaxAttempts)
}

func (m *Manager) joinOverlay(ctx context.Context, seedIP, seedPort string, attemptsLeft int) error {
	if attemptsLeft <= 0 {
		return nil
	}

	seedConn, err := m.dial(ctx, seedIP, seedPort)
	if err != nil {
		return fmt.Errorf("neighbours: join: dial seed %s:%s: %w", seedIP, seedPort, err)
	}

	holders, err := RequestNeighbours(seedConn)
	if err != nil {
		seedConn.Close()
		return err
	}
	if ip, _, lerr := transport.LocalEndpoint(seedConn); lerr == nil {
		m.LearnSelfIP(ip)
	}
	seedConn.Close()

	type target struct {
		ip, port string
		rescue   bool
	}
	var targets []target
	for _, h := range holders {
		// Matching on IP alone would also skip other servents sharing this
		// host; only the contact port identifies us.
		if m.selfIP != "" && h.IP == m.selfIP && h.Port == m.ownContactPort {
			continue
		}
		if m.Has(h.IP, h.Port) {
			continue
		}
		targets = append(targets, target{ip: h.IP, port: h.Port})
	}
	if len(holders) < m.maxNeighbours && !m.Has(seedIP, seedPort) {
		targets = append(targets, target{ip: seedIP, port: seedPort, rescue: len(holders) == 0})
	}

	results := make([]joinResult, len(targets))
	errs := make([]error, len(targets))
	{
		g, gctx := errgroup.WithContext(ctx)
		for i, t := range targets {
			i, t := i, t
			g.Go(func() error {
				res, err := m.sendJoin(gctx, t.ip, t.port, t.rescue)
				results[i] = res
				errs[i] = err
				return nil // collect per-target errors; don't abort the whole fan-out
			})
		}
		_ = g.Wait()
	}

	responded := 0
	for i, res := range results {
		if errs[i] != nil {
			m.log.Warn("join attempt failed", "err", errs[i])
			continue
		}
		responded++
		if !res.accepted {
			continue
		}
		if m.Full() {
			res.conn.Close()
			continue
		}
		if m.Has(res.ip, res.contactPort) {
			res.conn.Close()
			continue
		}
		m.add(&Neighbour{Conn: res.conn, IP: res.ip, ContactPort: res.contactPort})
	}

	if m.Count() < m.minNeighbours && responded > 0 {
		for _, t := range targets {
			if m.Count() >= m.minNeighbours {
				break
			}
			if err := m.joinOverlay(ctx, t.ip, t.port, attemptsLeft-1); err != nil {
				m.log.Warn("recursive join failed", "via", t.ip, "err", err)
			}
		}
	}

	return nil
}

// AcceptJoin runs the server-side accept-join policy for a JOIN received
// on an awaiting socket: refuse when full or a duplicate, accept a rescue
// unconditionally, and accept everything else with probability
// joinChance. It writes the JOIN_REPLY and, on acceptance, installs the
// neighbour.
func (m *Manager) AcceptJoin(conn *transport.Conn, req protocol.JoinMsg) {
	if m.selfIP == "" {
		if ip, _, err := transport.LocalEndpoint(conn); err == nil {
			m.LearnSelfIP(ip)
		}
	}

	ip, _, err := transport.PeerEndpoint(conn)
	if err != nil {
		m.log.Warn("failed resolving peer endpoint", "err", err)
		conn.Close()
		return
	}

	accept := false
	switch {
	case m.Full():
		accept = false
	case m.Has(ip, req.ContactPort):
		// A slot for this (ip, contact_port) already exists; a second one
		// would violate the no-duplicate-endpoint invariant.
		accept = false
	case req.Rescue:
		accept = true
	default:
		accept = rand.Float64() < m.joinChance
	}

	if !accept {
		_ = (protocol.JoinReplyMsg{Answer: false}).Encode(conn)
		conn.Close()
		return
	}

	reply := protocol.JoinReplyMsg{Answer: true, ContactPort: m.ownContactPort}
	if err := reply.Encode(conn); err != nil {
		m.log.Warn("failed writing JOIN_REPLY", "err", err)
		conn.Close()
		return
	}
	m.add(&Neighbour{Conn: conn, IP: ip, ContactPort: req.ContactPort})
}

// Repair runs after a departure: if the count is below minNeighbours and
// at least one neighbour remains, the join sequence re-runs seeded from a
// remaining neighbour. If no neighbour remains, ErrOverlayLost is
// returned.
func (m *Manager) Repair(ctx context.Context) error {
	if m.Count() == 0 {
		return ErrOverlayLost
	}
	if m.Count() >= m.minNeighbours {
		return nil
	}
	seed := m.slots[0]
	return m.JoinOverlay(ctx, seed.IP, seed.ContactPort)
}

// Broadcast sends msg to every neighbour, skipping any that error (a
// broadcast failure is not a protocol error; the failing neighbour will be
// reaped by the normal hangup-detection path on a later tick).
func (m *Manager) Broadcast(encode func(conn *transport.Conn) error) {
	for _, n := range m.slots {
		if err := encode(n.Conn); err != nil {
			m.log.Warn("broadcast to neighbour failed", "ip", n.IP, "err", err)
		}
	}
}

// BroadcastExcept sends msg to every neighbour except skip, returning how
// many neighbours were addressed. A zero return tells the caller the
// message went nowhere (skip was the only neighbour), so a flood being
// forwarded should answer back along skip instead.
func (m *Manager) BroadcastExcept(skip *Neighbour, encode func(conn *transport.Conn) error) int {
	sent := 0
	for _, n := range m.slots {
		if n == skip {
			continue
		}
		sent++
		if err := encode(n.Conn); err != nil {
			m.log.Warn("broadcast to neighbour failed", "ip", n.IP, "err", err)
		}
	}
	return sent
}

// Shutdown broadcasts LEAVE to every neighbour and closes their
// connections.
func (m *Manager) Shutdown() {
	for _, n := range m.slots {
		_ = (protocol.LeaveMsg{}).Encode(n.Conn)
		_ = n.Conn.Close()
	}
	m.slots = nil
}
