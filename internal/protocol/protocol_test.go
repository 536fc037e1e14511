package protocol

import (
	"bytes"
	"testing"
)

func TestOpcodeClassification(t *testing.T) {
	cases := []struct {
		op       Opcode
		internal bool
		server   bool
	}{
		{NeighboursRequest, false, false},
		{NeighboursReply, false, true},
		{Join, false, false},
		{JoinReply, false, true},
		{LocalHandshake, true, false},
		{LocalHandshakeReply, true, true},
		{LocalSearchResult, true, true},
	}
	for _, c := range cases {
		if got := c.op.IsInternal(); got != c.internal {
			t.Errorf("%v.IsInternal() = %v, want %v", c.op, got, c.internal)
		}
		if got := c.op.IsServer(); got != c.server {
			t.Errorf("%v.IsServer() = %v, want %v", c.op, got, c.server)
		}
	}
}

func TestJoinRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := JoinMsg{Rescue: true, ContactPort: "10002"}
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	op, err := ReadOpcode(&buf)
	if err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	if op != Join {
		t.Fatalf("opcode = %v, want Join", op)
	}

	got, err := DecodeJoin(&buf)
	if err != nil {
		t.Fatalf("DecodeJoin: %v", err)
	}
	if got != want {
		t.Fatalf("DecodeJoin = %+v, want %+v", got, want)
	}
}

func TestJoinReplyRoundTripRefusal(t *testing.T) {
	var buf bytes.Buffer
	want := JoinReplyMsg{Answer: false}
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := ReadOpcode(&buf); err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	got, err := DecodeJoinReply(&buf)
	if err != nil {
		t.Fatalf("DecodeJoinReply: %v", err)
	}
	if got.Answer != false || got.ContactPort != "" {
		t.Fatalf("DecodeJoinReply = %+v, want zero-value refusal", got)
	}
}

func TestSearchRequestRoundTripWithHolders(t *testing.T) {
	var buf bytes.Buffer
	want := SearchRequestMsg{
		OriginIP:   "192.168.1.1",
		OriginPort: "10001",
		Filename:   "song.mp3",
		TTL:        9,
		Holders:    []Holder{{IP: "10.0.0.1", Port: "9999"}},
	}
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	op, err := ReadOpcode(&buf)
	if err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	if op != SearchRequest {
		t.Fatalf("opcode = %v, want SearchRequest", op)
	}
	got, err := DecodeSearchRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeSearchRequest: %v", err)
	}
	if got.OriginIP != want.OriginIP || got.Filename != want.Filename || got.TTL != want.TTL {
		t.Fatalf("DecodeSearchRequest = %+v, want %+v", got, want)
	}
	if len(got.Holders) != 1 || got.Holders[0] != want.Holders[0] {
		t.Fatalf("Holders = %+v, want %+v", got.Holders, want.Holders)
	}
}

func TestDownloadReplyRoundTripFound(t *testing.T) {
	var buf bytes.Buffer
	want := DownloadReplyMsg{Code: DownloadRemoteFound, Filename: "f", Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := ReadOpcode(&buf); err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	got, err := DecodeDownloadReply(&buf)
	if err != nil {
		t.Fatalf("DecodeDownloadReply: %v", err)
	}
	if got.Code != want.Code || got.Filename != want.Filename || !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("DecodeDownloadReply = %+v, want %+v", got, want)
	}
}

func TestDownloadReplyRoundTripNotFound(t *testing.T) {
	var buf bytes.Buffer
	want := DownloadReplyMsg{Code: DownloadRemoteNotFound, IP: "1.2.3.4", Port: "5000", Filename: "missing"}
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := ReadOpcode(&buf); err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	got, err := DecodeDownloadReply(&buf)
	if err != nil {
		t.Fatalf("DecodeDownloadReply: %v", err)
	}
	if got.Code != want.Code || got.IP != want.IP || got.Port != want.Port || got.Filename != want.Filename || !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("DecodeDownloadReply = %+v, want %+v", got, want)
	}
}

func TestLocalHandshakeReplyCarriesReadiness(t *testing.T) {
	var buf bytes.Buffer
	want := LocalHandshakeReplyMsg{Status: NotReady}
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	op, err := ReadOpcode(&buf)
	if err != nil {
		t.Fatalf("ReadOpcode: %v", err)
	}
	if !op.IsInternal() || !op.IsServer() {
		t.Fatalf("LocalHandshakeReply opcode %v should be internal+server", op)
	}
	got, err := DecodeLocalHandshakeReply(&buf)
	if err != nil {
		t.Fatalf("DecodeLocalHandshakeReply: %v", err)
	}
	if got.Status != NotReady {
		t.Fatalf("Status = %v, want NotReady", got.Status)
	}
}

func TestTruncatedReadOnShortPayload(t *testing.T) {
	// A length-prefixed string claiming 5 bytes but with none following.
	buf := bytes.NewBuffer([]byte{5})
	if _, err := readString(buf); err != Truncated {
		t.Fatalf("readString on short payload = %v, want Truncated", err)
	}
}

func TestReadOpcodeOnEmptyStreamIsTruncated(t *testing.T) {
	buf := &bytes.Buffer{}
	if _, err := ReadOpcode(buf); err != Truncated {
		t.Fatalf("ReadOpcode on empty stream = %v, want Truncated", err)
	}
}

func TestHoldersRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHolders(&buf, nil); err != nil {
		t.Fatalf("writeHolders: %v", err)
	}
	got, err := readHolders(&buf)
	if err != nil {
		t.Fatalf("readHolders: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("readHolders = %v, want empty", got)
	}
}
