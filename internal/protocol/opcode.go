// Package protocol implements the servent's binary wire codec: the overlay
// (peer-to-peer) message set and the local control channel message set that
// the front-end process speaks to the servent, plus the shared field-level
// encoding those messages are built from.
//
// Every packet begins with a one-byte opcode. The top two bits classify it:
// bit 7 set means internal (local channel), bit 6 set means server→client,
// both clear means client→server remote. CMSG/SMSG/CMSGI/SMSGI below build
// opcode values consistently with that classification.
package protocol

import "fmt"

// Opcode is the one-byte operation code that leads every packet.
type Opcode uint8

const (
	internalBit = 1 << 7
	serverBit   = 1 << 6
)

// CMSG builds a client→server remote (overlay) opcode from its low bits.
func CMSG(x uint8) Opcode { return Opcode(x) }

// SMSG builds a server→client remote (overlay) opcode from its low bits.
func SMSG(x uint8) Opcode { return Opcode(serverBit | x) }

// CMSGI builds a client→server internal (local channel) opcode.
func CMSGI(x uint8) Opcode { return Opcode(internalBit | x) }

// SMSGI builds a server→client internal (local channel) opcode.
func SMSGI(x uint8) Opcode { return Opcode(internalBit | serverBit | x) }

// IsInternal reports whether op belongs to the local control channel rather
// than the overlay wire protocol.
func (op Opcode) IsInternal() bool { return op&internalBit != 0 }

// IsServer reports whether op is a server→client reply rather than a
// client→server request.
func (op Opcode) IsServer() bool { return op&serverBit != 0 }

// Overlay (remote) opcodes.
const (
	NeighboursRequest Opcode = iota // CMSG(0)
	Join                            // CMSG(1)
	SearchRequest                   // CMSG(2)
	Leave                           // CMSG(3)
	DownloadRequest                 // CMSG(4)
)

// Overlay (remote) reply opcodes.
const (
	NeighboursReply Opcode = serverBit + iota // SMSG(0)
	JoinReply                                 // SMSG(1)
	SearchReply                               // SMSG(2)
	DownloadReply                             // SMSG(3), pairs with DownloadRequest
)

// Local control channel opcodes.
const (
	LocalHandshake Opcode = internalBit + iota // CMSGI(0) client; the server variant is LocalHandshakeReply below
	LocalExit                                  // CMSGI(1)
	LocalSearch                                // CMSGI(2)
	LocalDownload                              // CMSGI(3)
)

// Local control channel server→client opcodes.
const (
	LocalHandshakeReply Opcode = internalBit + serverBit + iota // SMSGI(0)
	LocalSearchResult                                           // SMSGI(1)
	LocalDownloadResult                                         // SMSGI(2)
)

func (op Opcode) String() string {
	switch op {
	case NeighboursRequest:
		return "NEIGHBOURS_REQUEST"
	case Join:
		return "JOIN"
	case SearchRequest:
		return "SEARCH_REQUEST"
	case Leave:
		return "LEAVE"
	case DownloadRequest:
		return "DOWNLOAD_REQUEST"
	case NeighboursReply:
		return "NEIGHBOURS_REPLY"
	case JoinReply:
		return "JOIN_REPLY"
	case SearchReply:
		return "SEARCH_REPLY"
	case DownloadReply:
		return "DOWNLOAD_REPLY"
	case LocalHandshake:
		return "LOCAL_HANDSHAKE"
	case LocalExit:
		return "LOCAL_EXIT"
	case LocalSearch:
		return "LOCAL_SEARCH"
	case LocalDownload:
		return "LOCAL_DOWNLOAD"
	case LocalHandshakeReply:
		return "LOCAL_HANDSHAKE_REPLY"
	case LocalSearchResult:
		return "LOCAL_SEARCH_RESULT"
	case LocalDownloadResult:
		return "LOCAL_DOWNLOAD_RESULT"
	default:
		return fmt.Sprintf("Opcode(%#02x)", uint8(op))
	}
}

// DownloadCode is the result code carried by DOWNLOAD_REPLY and
// LOCAL_DOWNLOAD_RESULT.
type DownloadCode uint8

const (
	DownloadLocal          DownloadCode = 0
	DownloadRemoteOffline  DownloadCode = 1
	DownloadRemoteNotFound DownloadCode = 2
	DownloadRemoteFound    DownloadCode = 3
)

func (c DownloadCode) String() string {
	switch c {
	case DownloadLocal:
		return "LOCAL"
	case DownloadRemoteOffline:
		return "REMOTE_OFFLINE"
	case DownloadRemoteNotFound:
		return "REMOTE_NOT_FOUND"
	case DownloadRemoteFound:
		return "REMOTE_FOUND"
	default:
		return fmt.Sprintf("DownloadCode(%d)", uint8(c))
	}
}

// ReadinessCode is the servent's boot status carried on the local
// handshake reply, letting a front-end distinguish "connected but still
// booting" from "fully ready".
type ReadinessCode uint8

const (
	NotReady ReadinessCode = 0
	Ready    ReadinessCode = 1
)
