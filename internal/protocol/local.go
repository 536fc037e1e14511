package protocol

import "io"

// Local control channel messages. The handshake pair carries a readiness
// status byte on the server reply, keeping the handshake at exactly two
// messages.

// LocalHandshakeMsg is the front-end's opening message; it carries no
// payload.
type LocalHandshakeMsg struct{}

func (LocalHandshakeMsg) Encode(w io.Writer) error {
	return WriteOpcode(w, LocalHandshake)
}

// LocalHandshakeReplyMsg is the servent's answer to LocalHandshakeMsg.
type LocalHandshakeReplyMsg struct {
	Status ReadinessCode
}

func (m LocalHandshakeReplyMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, LocalHandshakeReply); err != nil {
		return err
	}
	return writeUint8(w, uint8(m.Status))
}

func DecodeLocalHandshakeReply(r io.Reader) (LocalHandshakeReplyMsg, error) {
	status, err := readUint8(r)
	if err != nil {
		return LocalHandshakeReplyMsg{}, err
	}
	return LocalHandshakeReplyMsg{Status: ReadinessCode(status)}, nil
}

// LocalExitMsg asks the servent to shut down. No payload.
type LocalExitMsg struct{}

func (LocalExitMsg) Encode(w io.Writer) error {
	return WriteOpcode(w, LocalExit)
}

// LocalSearchMsg asks the servent to search the overlay for a filename.
type LocalSearchMsg struct {
	Name string
}

func (m LocalSearchMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, LocalSearch); err != nil {
		return err
	}
	return writeString(w, m.Name)
}

func DecodeLocalSearch(r io.Reader) (LocalSearchMsg, error) {
	name, err := readString(r)
	if err != nil {
		return LocalSearchMsg{}, err
	}
	return LocalSearchMsg{Name: name}, nil
}

// LocalDownloadMsg asks the servent to fetch filename from (ip, port).
type LocalDownloadMsg struct {
	IP       string
	Port     string
	Filename string
}

func (m LocalDownloadMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, LocalDownload); err != nil {
		return err
	}
	if err := writeString(w, m.IP); err != nil {
		return err
	}
	if err := writeString(w, m.Port); err != nil {
		return err
	}
	return writeString(w, m.Filename)
}

func DecodeLocalDownload(r io.Reader) (LocalDownloadMsg, error) {
	var m LocalDownloadMsg
	var err error
	if m.IP, err = readString(r); err != nil {
		return LocalDownloadMsg{}, err
	}
	if m.Port, err = readString(r); err != nil {
		return LocalDownloadMsg{}, err
	}
	if m.Filename, err = readString(r); err != nil {
		return LocalDownloadMsg{}, err
	}
	return m, nil
}

// LocalSearchResultMsg answers LocalSearchMsg (and also carries flood
// answers propagating back to the originating front-end).
type LocalSearchResultMsg struct {
	Filename string
	Holders  []Holder
}

func (m LocalSearchResultMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, LocalSearchResult); err != nil {
		return err
	}
	if err := writeString(w, m.Filename); err != nil {
		return err
	}
	return writeHolders(w, m.Holders)
}

func DecodeLocalSearchResult(r io.Reader) (LocalSearchResultMsg, error) {
	filename, err := readString(r)
	if err != nil {
		return LocalSearchResultMsg{}, err
	}
	holders, err := readHolders(r)
	if err != nil {
		return LocalSearchResultMsg{}, err
	}
	return LocalSearchResultMsg{Filename: filename, Holders: holders}, nil
}

// LocalDownloadResultMsg answers LocalDownloadMsg with a discriminating
// code for every attempt.
type LocalDownloadResultMsg struct {
	IP       string
	Port     string
	Filename string
	Code     DownloadCode
}

func (m LocalDownloadResultMsg) Encode(w io.Writer) error {
	if err := WriteOpcode(w, LocalDownloadResult); err != nil {
		return err
	}
	if err := writeString(w, m.IP); err != nil {
		return err
	}
	if err := writeString(w, m.Port); err != nil {
		return err
	}
	if err := writeString(w, m.Filename); err != nil {
		return err
	}
	return writeUint8(w, uint8(m.Code))
}

func DecodeLocalDownloadResult(r io.Reader) (LocalDownloadResultMsg, error) {
	var m LocalDownloadResultMsg
	var err error
	if m.IP, err = readString(r); err != nil {
		return LocalDownloadResultMsg{}, err
	}
	if m.Port, err = readString(r); err != nil {
		return LocalDownloadResultMsg{}, err
	}
	if m.Filename, err = readString(r); err != nil {
		return LocalDownloadResultMsg{}, err
	}
	code, err := readUint8(r)
	if err != nil {
		return LocalDownloadResultMsg{}, err
	}
	m.Code = DownloadCode(code)
	return m, nil
}
