// Package search implements the request router's search half: the search
// log used for duplicate suppression and the TTL flood decision logic.
// The actual network I/O (broadcasting, replying) is performed by the
// servent loop, which calls Decide with the locally-observed facts
// (whether the filename is held here) and acts on the returned decision —
// keeping this package's core logic pure and independently testable.
package search

import (
	"time"

	"github.com/google/uuid"

	"github.com/ripplenet/servent/internal/neighbours"
	"github.com/ripplenet/servent/internal/protocol"
)

// LogEntry is a per-tuple record of a remote search this servent has
// forwarded, used to suppress duplicate forwarding and to route the
// answer back toward the originator. Ingress is the neighbour the request
// arrived on; a SEARCH_REPLY for the same filename rides back along it.
// ID exists purely for debug logging/correlation; it plays no role in
// the key/dedup logic.
type LogEntry struct {
	ID           string
	Filename     string
	OriginIP     string
	OriginPort   string
	Ingress      *neighbours.Neighbour
	TTLRemaining time.Duration
}

func (e *LogEntry) key() string {
	return e.Filename + "\x00" + e.OriginIP + "\x00" + e.OriginPort
}

// Log is the servent's search log: an ordered collection of LogEntry that
// ages out over time.
type Log struct {
	entries []*LogEntry
}

// NewLog returns an empty search log.
func NewLog() *Log {
	return &Log{}
}

// Len reports the number of live entries.
func (l *Log) Len() int { return len(l.entries) }

// Seen reports whether (filename, originIP, originPort) is already
// recorded.
func (l *Log) Seen(filename, originIP, originPort string) bool {
	key := (&LogEntry{Filename: filename, OriginIP: originIP, OriginPort: originPort}).key()
	for _, e := range l.entries {
		if e.key() == key {
			return true
		}
	}
	return false
}

// Record adds a new entry with the given lifetime, remembering ingress as
// the channel an answer for this tuple should be forwarded back on.
// Callers should check Seen first; Record does not itself deduplicate.
func (l *Log) Record(filename, originIP, originPort string, ingress *neighbours.Neighbour, ttl time.Duration) *LogEntry {
	e := &LogEntry{
		ID:           uuid.NewString(),
		Filename:     filename,
		OriginIP:     originIP,
		OriginPort:   originPort,
		Ingress:      ingress,
		TTLRemaining: ttl,
	}
	l.entries = append(l.entries, e)
	return e
}

// Find returns the live entry recorded for (filename, originIP, originPort),
// or nil if none exists.
func (l *Log) Find(filename, originIP, originPort string) *LogEntry {
	key := (&LogEntry{Filename: filename, OriginIP: originIP, OriginPort: originPort}).key()
	for _, e := range l.entries {
		if e.key() == key {
			return e
		}
	}
	return nil
}

// FindByFilename returns the oldest live entry recorded for filename, or
// nil if none exists. SEARCH_REPLY carries only the filename, not the
// origin tuple, so the back-path lookup has to go by filename alone; when
// two floods for the same name are in flight at once the reply rides the
// older one's channel.
func (l *Log) FindByFilename(filename string) *LogEntry {
	for _, e := range l.entries {
		if e.Filename == filename {
			return e
		}
	}
	return nil
}

// Age decrements every entry's remaining lifetime by elapsed and evicts
// entries that reach zero, run once per tick against the measured tick
// duration.
func (l *Log) Age(elapsed time.Duration) {
	live := l.entries[:0]
	for _, e := range l.entries {
		e.TTLRemaining -= elapsed
		if e.TTLRemaining > 0 {
			live = append(live, e)
		}
	}
	l.entries = live
}

// RemoteSearch is a SEARCH_REQUEST received from a neighbour, decoded into
// a request the router can decide on.
type RemoteSearch struct {
	OriginIP   string
	OriginPort string
	Filename   string
	TTL        uint8
	Holders    []protocol.Holder
}

// Decision is the outcome of routing a RemoteSearch.
type Decision int

const (
	// AnswerToOriginator means the request's origin is this servent: the
	// flood's answer has returned to us; forward it to the front-end and
	// stop.
	AnswerToOriginator Decision = iota
	// Forward means the request is unique and has hops left: re-broadcast
	// it, decremented, to every neighbour except the one it arrived on.
	Forward
	// ReplyBack means the request is a duplicate or TTL-exhausted: answer
	// along the ingress socket instead of propagating further.
	ReplyBack
)

// Router runs the TTL flood decision logic against a Log.
type Router struct {
	log *Log
}

// NewRouter returns a Router backed by a fresh search log.
func NewRouter() *Router {
	return &Router{log: NewLog()}
}

// Log exposes the underlying search log (for aging and inspection).
func (r *Router) Log() *Log { return r.log }

// Decide routes req. selfIP/ownContactPort identify this servent; ingress
// is the neighbour the request arrived on; hasLocal reports whether the
// requested filename is held here; logEntryTTL is the lifetime a new log
// entry is recorded with. A log entry is recorded only when the request is
// actually forwarded: a tuple first seen with an exhausted TTL leaves no
// trace, so a later higher-TTL copy of the same search can still
// propagate. The returned holders slice is what should accompany the
// chosen action (the next SEARCH_REQUEST's holder list on Forward, the
// SEARCH_REPLY's holder list on ReplyBack); nextTTL is only meaningful on
// Forward.
func (r *Router) Decide(selfIP, ownContactPort string, req RemoteSearch, ingress *neighbours.Neighbour, hasLocal bool, logEntryTTL time.Duration) (decision Decision, holders []protocol.Holder, nextTTL uint8) {
	// Origin matching needs the contact port as well as the IP: servents
	// sharing a host share an address, and only the port tells them apart.
	if req.OriginIP == selfIP && req.OriginPort == ownContactPort {
		return AnswerToOriginator, req.Holders, 0
	}

	unique := !r.log.Seen(req.Filename, req.OriginIP, req.OriginPort)
	if unique && req.TTL > 0 {
		r.log.Record(req.Filename, req.OriginIP, req.OriginPort, ingress, logEntryTTL)
		holders := append([]protocol.Holder(nil), req.Holders...)
		if hasLocal {
			holders = append(holders, protocol.Holder{IP: selfIP, Port: ownContactPort})
		}
		return Forward, holders, req.TTL - 1
	}

	return ReplyBack, req.Holders, 0
}
