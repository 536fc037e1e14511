package protocol

import "io"

// Overlay messages. Each Encode method writes its own leading
// opcode; each Decode function assumes the caller has already consumed the
// opcode (typically via ReadOpcode, to dispatch on it) and reads only the
// body.

// NeighboursRequest carries no payload.
type NeighboursRequestMsg struct{}

func (NeighboursRequestMsg) Encode(w io.Writer) error {
	return WriteOpcode(w, NeighboursRequest)
}

// NeighboursReplyMsg enumerates the sender's current neighbour slots.
type NeighboursReplyMsg struct {
	Holders []Holder
}

func (m NeighboursReplyMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, NeighboursReply); err != nil {
		return err
	}
	return writeHolders(w, m.Holders)
}

func DecodeNeighboursReply(r io.Reader) (NeighboursReplyMsg, error) {
	holders, err := readHolders(r)
	if err != nil {
		return NeighboursReplyMsg{}, err
	}
	return NeighboursReplyMsg{Holders: holders}, nil
}

// JoinMsg requests that the recipient add the sender as a neighbour.
type JoinMsg struct {
	Rescue      bool
	ContactPort string
}

func (m JoinMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, Join); err != nil {
		return err
	}
	if err := writeUint8(w, boolByte(m.Rescue)); err != nil {
		return err
	}
	return writeString(w, m.ContactPort)
}

func DecodeJoin(r io.Reader) (JoinMsg, error) {
	rescue, err := readUint8(r)
	if err != nil {
		return JoinMsg{}, err
	}
	port, err := readString(r)
	if err != nil {
		return JoinMsg{}, err
	}
	return JoinMsg{Rescue: rescue != 0, ContactPort: port}, nil
}

// JoinReplyMsg answers a JoinMsg. ContactPort is only present, and only
// meaningful, when Answer is true.
type JoinReplyMsg struct {
	Answer      bool
	ContactPort string
}

func (m JoinReplyMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, JoinReply); err != nil {
		return err
	}
	if err := writeUint8(w, boolByte(m.Answer)); err != nil {
		return err
	}
	if !m.Answer {
		return nil
	}
	return writeString(w, m.ContactPort)
}

func DecodeJoinReply(r io.Reader) (JoinReplyMsg, error) {
	answer, err := readUint8(r)
	if err != nil {
		return JoinReplyMsg{}, err
	}
	if answer == 0 {
		return JoinReplyMsg{Answer: false}, nil
	}
	port, err := readString(r)
	if err != nil {
		return JoinReplyMsg{}, err
	}
	return JoinReplyMsg{Answer: true, ContactPort: port}, nil
}

// SearchRequestMsg floods a filename search through the overlay.
type SearchRequestMsg struct {
	OriginIP   string
	OriginPort string
	Filename   string
	TTL        uint8
	Holders    []Holder
}

func (m SearchRequestMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, SearchRequest); err != nil {
		return err
	}
	if err := writeString(w, m.OriginIP); err != nil {
		return err
	}
	if err := writeString(w, m.OriginPort); err != nil {
		return err
	}
	if err := writeString(w, m.Filename); err != nil {
		return err
	}
	if err := writeUint8(w, m.TTL); err != nil {
		return err
	}
	return writeHolders(w, m.Holders)
}

func DecodeSearchRequest(r io.Reader) (SearchRequestMsg, error) {
	var m SearchRequestMsg
	var err error
	if m.OriginIP, err = readString(r); err != nil {
		return SearchRequestMsg{}, err
	}
	if m.OriginPort, err = readString(r); err != nil {
		return SearchRequestMsg{}, err
	}
	if m.Filename, err = readString(r); err != nil {
		return SearchRequestMsg{}, err
	}
	if m.TTL, err = readUint8(r); err != nil {
		return SearchRequestMsg{}, err
	}
	if m.Holders, err = readHolders(r); err != nil {
		return SearchRequestMsg{}, err
	}
	return m, nil
}

// SearchReplyMsg carries a flood's accumulated answer back along the
// ingress path.
type SearchReplyMsg struct {
	Filename string
	Holders  []Holder
}

func (m SearchReplyMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, SearchReply); err != nil {
		return err
	}
	if err := writeString(w, m.Filename); err != nil {
		return err
	}
	return writeHolders(w, m.Holders)
}

func DecodeSearchReply(r io.Reader) (SearchReplyMsg, error) {
	filename, err := readString(r)
	if err != nil {
		return SearchReplyMsg{}, err
	}
	holders, err := readHolders(r)
	if err != nil {
		return SearchReplyMsg{}, err
	}
	return SearchReplyMsg{Filename: filename, Holders: holders}, nil
}

// LeaveMsg carries no payload; it announces a graceful neighbour departure.
type LeaveMsg struct{}

func (LeaveMsg) Encode(w io.Writer) error {
	return WriteOpcode(w, Leave)
}

// DownloadRequestMsg asks the recipient to serve filename over the
// current connection.
type DownloadRequestMsg struct {
	Filename string
}

func (m DownloadRequestMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, DownloadRequest); err != nil {
		return err
	}
	return writeString(w, m.Filename)
}

func DecodeDownloadRequest(r io.Reader) (DownloadRequestMsg, error) {
	filename, err := readString(r)
	if err != nil {
		return DownloadRequestMsg{}, err
	}
	return DownloadRequestMsg{Filename: filename}, nil
}

// DownloadReplyMsg answers a DownloadRequestMsg. On DownloadRemoteNotFound
// it carries the replying servent's own address and the filename; on
// DownloadRemoteFound it carries the file's bytes with a four-byte length
// prefix.
type DownloadReplyMsg struct {
	Code     DownloadCode
	IP       string
	Port     string
	Filename string
	Data     []byte
}

func (m DownloadReplyMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, DownloadReply); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(m.Code)); err != nil {
		return err
	}
	switch m.Code {
	case DownloadRemoteNotFound:
		if err := writeString(w, m.IP); err != nil {
			return err
		}
		if err := writeString(w, m.Port); err != nil {
			return err
		}
		return writeString(w, m.Filename)
	case DownloadRemoteFound:
		if err := writeString(w, m.Filename); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(m.Data))); err != nil {
			return err
		}
		_, err := w.Write(m.Data)
		return err
	default:
		return nil
	}
}

func DecodeDownloadReply(r io.Reader) (DownloadReplyMsg, error) {
	code, err := readUint8(r)
	if err != nil {
		return DownloadReplyMsg{}, err
	}
	m := DownloadReplyMsg{Code: DownloadCode(code)}
	switch m.Code {
	case DownloadRemoteNotFound:
		if m.IP, err = readString(r); err != nil {
			return DownloadReplyMsg{}, err
		}
		if m.Port, err = readString(r); err != nil {
			return DownloadReplyMsg{}, err
		}
		if m.Filename, err = readString(r); err != nil {
			return DownloadReplyMsg{}, err
		}
	case DownloadRemoteFound:
		if m.Filename, err = readString(r); err != nil {
			return DownloadReplyMsg{}, err
		}
		length, err := readUint32(r)
		if err != nil {
			return DownloadReplyMsg{}, err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return DownloadReplyMsg{}, truncate(err)
		}
		m.Data = buf
	}
	return m, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
