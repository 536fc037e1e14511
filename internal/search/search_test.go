package search

import (
	"testing"
	"time"

	"github.com/ripplenet/servent/internal/neighbours"
	"github.com/ripplenet/servent/internal/protocol"
)

func TestLogSeenAndRecord(t *testing.T) {
	l := NewLog()
	if l.Seen("f", "1.2.3.4", "9") {
		t.Fatal("Seen = true on an empty log")
	}
	l.Record("f", "1.2.3.4", "9", nil, time.Second)
	if !l.Seen("f", "1.2.3.4", "9") {
		t.Fatal("Seen = false right after Record")
	}
	if l.Seen("f", "1.2.3.4", "10") {
		t.Fatal("Seen matched a different origin port")
	}
}

func TestLogAgeEvictsExpiredEntries(t *testing.T) {
	l := NewLog()
	l.Record("f", "1.2.3.4", "9", nil, 30*time.Millisecond)
	l.Age(10 * time.Millisecond)
	if l.Len() != 1 {
		t.Fatalf("Len after partial age = %d, want 1", l.Len())
	}
	l.Age(25 * time.Millisecond)
	if l.Len() != 0 {
		t.Fatalf("Len after expiry = %d, want 0", l.Len())
	}
}

func TestDecideAnswersOriginator(t *testing.T) {
	r := NewRouter()
	req := RemoteSearch{OriginIP: "9.9.9.9", OriginPort: "10001", Filename: "x", TTL: 5}
	decision, holders, _ := r.Decide("9.9.9.9", "10001", req, nil, false, time.Second)
	if decision != AnswerToOriginator {
		t.Fatalf("decision = %v, want AnswerToOriginator", decision)
	}
	if len(holders) != 0 {
		t.Fatalf("holders = %v, want empty", holders)
	}
	if r.Log().Len() != 0 {
		t.Fatalf("answering the originator should not touch the log, got Len=%d", r.Log().Len())
	}
}

// TestDecideOriginMatchNeedsPort: servents sharing a host share an IP, so
// a request whose origin IP matches but whose origin port belongs to a
// different servent is still routed, not answered locally.
func TestDecideOriginMatchNeedsPort(t *testing.T) {
	r := NewRouter()
	req := RemoteSearch{OriginIP: "9.9.9.9", OriginPort: "10002", Filename: "x", TTL: 5}
	decision, _, _ := r.Decide("9.9.9.9", "10001", req, nil, false, time.Second)
	if decision != Forward {
		t.Fatalf("decision = %v, want Forward for a different origin port", decision)
	}
}

// TestTTLCutoff: a request arriving with an exhausted hop budget is
// answered back along its ingress instead of forwarded, and leaves no log
// entry behind — so a later, higher-TTL copy of the same search can still
// propagate through this node.
func TestTTLCutoff(t *testing.T) {
	r := NewRouter()
	req := RemoteSearch{OriginIP: "A", OriginPort: "10001", Filename: "x", TTL: 0}
	decision, _, _ := r.Decide("D", "10004", req, nil, false, time.Second)
	if decision != ReplyBack {
		t.Fatalf("decision at ttl=0 = %v, want ReplyBack", decision)
	}
	if r.Log().Len() != 0 {
		t.Fatalf("Len after ttl=0 request = %d, want 0 (no entry recorded)", r.Log().Len())
	}

	req.TTL = 3
	decision, _, nextTTL := r.Decide("D", "10004", req, nil, false, time.Second)
	if decision != Forward {
		t.Fatalf("higher-TTL retry of the same tuple = %v, want Forward", decision)
	}
	if nextTTL != 2 {
		t.Fatalf("nextTTL = %d, want 2", nextTTL)
	}
}

func TestForwardDecrementsTTLAndAppendsSelfWhenHeld(t *testing.T) {
	r := NewRouter()
	req := RemoteSearch{OriginIP: "A", OriginPort: "10001", Filename: "x", TTL: 2}
	decision, holders, nextTTL := r.Decide("B", "10002", req, nil, true, time.Second)
	if decision != Forward {
		t.Fatalf("decision = %v, want Forward", decision)
	}
	if nextTTL != 1 {
		t.Fatalf("nextTTL = %d, want 1", nextTTL)
	}
	if len(holders) != 1 || holders[0] != (protocol.Holder{IP: "B", Port: "10002"}) {
		t.Fatalf("holders = %+v, want [{B 10002}]", holders)
	}
}

// TestLoopSuppression: the second time the same tuple is seen, the router
// replies back rather than forwarding again, and the log retains exactly
// one entry for the tuple.
func TestLoopSuppression(t *testing.T) {
	r := NewRouter()
	req := RemoteSearch{OriginIP: "A", OriginPort: "10001", Filename: "y", TTL: 5}

	decision, _, _ := r.Decide("B", "10002", req, nil, false, time.Second)
	if decision != Forward {
		t.Fatalf("first sighting decision = %v, want Forward", decision)
	}
	if r.Log().Len() != 1 {
		t.Fatalf("Len after first sighting = %d, want 1", r.Log().Len())
	}

	decision, _, _ = r.Decide("B", "10002", req, nil, false, time.Second)
	if decision != ReplyBack {
		t.Fatalf("duplicate sighting decision = %v, want ReplyBack", decision)
	}
	if r.Log().Len() != 1 {
		t.Fatalf("Len after duplicate sighting = %d, want 1 (no new entry)", r.Log().Len())
	}
}

// TestForwardRecordsIngressForBackPath: forwarding a request stores the
// ingress neighbour in the log entry, so an answer for the filename can be
// routed back toward the originator.
func TestForwardRecordsIngressForBackPath(t *testing.T) {
	r := NewRouter()
	in := &neighbours.Neighbour{IP: "1.1.1.1", ContactPort: "10001"}
	req := RemoteSearch{OriginIP: "A", OriginPort: "10001", Filename: "z", TTL: 4}

	decision, _, _ := r.Decide("B", "10002", req, in, false, time.Second)
	if decision != Forward {
		t.Fatalf("decision = %v, want Forward", decision)
	}

	e := r.Log().FindByFilename("z")
	if e == nil {
		t.Fatal("FindByFilename = nil after a forward")
	}
	if e.Ingress != in {
		t.Fatalf("Ingress = %+v, want the neighbour the request arrived on", e.Ingress)
	}
	if r.Log().FindByFilename("nope") != nil {
		t.Fatal("FindByFilename matched a filename never recorded")
	}
}
