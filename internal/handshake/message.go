package handshake

import (
	"bytes"
	"encoding/hex"
)

// Reserved-bit mapping in the 8 flag bytes of the BT handshake.
func hasLTEP(bits [8]byte) bool { return bits[5]&0x10 != 0 }
func hasFEXT(bits [8]byte) bool { return bits[7]&0x04 != 0 }
func hasDHT(bits [8]byte) bool  { return bits[7]&0x01 != 0 }

func setLTEP(bits *[8]byte) { bits[5] |= 0x10 }
func setFEXT(bits *[8]byte) { bits[7] |= 0x04 }
func setDHT(bits *[8]byte)  { bits[7] |= 0x01 }

// buildHandshakeMessage builds our 68-byte BT handshake for the torrent
// the peer-io is bound to. Returns false if the torrent is unknown.
func (h *Handshake) buildHandshakeMessage() ([]byte, bool) {
	infoHash := h.io.TorrentHash()
	if infoHash == ([20]byte{}) {
		return nil, false
	}
	info := h.mediator.TorrentInfo(infoHash)
	if info == nil {
		return nil, false
	}

	var flags [8]byte
	setLTEP(&flags)
	setFEXT(&flags)
	// Note that this doesn't depend on whether the torrent is private.
	// We don't accept DHT peers for a private torrent,
	// but we participate in the DHT regardless.
	if h.mediator.AllowsDHT() {
		setDHT(&flags)
	}

	msg := make([]byte, 0, handshakeSize)
	msg = append(msg, handshakeMagic...)
	msg = append(msg, flags[:]...)
	msg = append(msg, infoHash[:]...)
	msg = append(msg, info.ClientPeerID[:]...)
	return msg, true
}

type parseResult int

const (
	parseOK parseResult = iota
	parseEncryptionWrong
	parseBadTorrent
	parsePeerIsSelf
)

// parseHandshake consumes a complete 68-byte BT handshake from the read
// buffer and validates it against the torrent the peer-io is bound to.
func (h *Handshake) parseHandshake() parseResult {
	h.log.Debugf("payload: need %d, got %d", handshakeSize, h.io.ReadBufferSize())
	if h.io.ReadBufferSize() < handshakeSize {
		return parseEncryptionWrong
	}

	name := make([]byte, len(handshakeMagic))
	h.io.ReadBytes(name)
	if !bytes.Equal(name, handshakeMagic) {
		return parseEncryptionWrong
	}

	var reserved [8]byte
	h.io.ReadBytes(reserved[:])

	var infoHash [20]byte
	h.io.ReadBytes(infoHash[:])
	if infoHash == ([20]byte{}) || infoHash != h.io.TorrentHash() {
		h.log.Debugln("peer returned the wrong hash")
		return parseBadTorrent
	}

	var peerID [20]byte
	h.io.ReadBytes(peerID[:])
	h.peerID = peerID
	h.log.Debugf("peer-id is %q", clientForID(peerID))

	if info := h.mediator.TorrentInfo(infoHash); info != nil && info.ClientPeerID == peerID {
		h.log.Debugln("we've connected to ourselves")
		return parsePeerIsSelf
	}

	h.io.EnableDHT(hasDHT(reserved))
	h.io.EnableLTEP(hasLTEP(reserved))
	h.io.EnableFEXT(hasFEXT(reserved))

	return parseOK
}

// readHandshake handles AwaitingHandshake: the first 48 bytes of a plain
// BT handshake (magic + flags + info hash). The peer id is read in a
// separate state so an incoming connection can be dispatched to its
// torrent before the peer id arrives.
func (h *Handshake) readHandshake() readState {
	h.log.Debugf("payload: need %d, got %d", incomingHandshakeLen, h.io.ReadBufferSize())
	if h.io.ReadBufferSize() < incomingHandshakeLen {
		return readLater
	}

	h.haveReadAnything = true

	if h.io.ReadBufferStartsWith(handshakeMagic) { // unencrypted
		if h.mode == EncryptionRequired {
			h.log.Debugln("peer is unencrypted, and we're disallowing that")
			return h.done(false, errNotEncrypted)
		}
	} else { // either encrypted or corrupt
		if h.io.IsIncoming() {
			h.log.Debugln("peer is sending us an encrypted handshake...")
			h.setState(awaitingYa)
			return readNow
		}
	}

	name := make([]byte, len(handshakeMagic))
	h.io.ReadBytes(name)
	if !bytes.Equal(name, handshakeMagic) {
		return h.done(false, errInvalidProtocol)
	}

	var reserved [8]byte
	h.io.ReadBytes(reserved[:])
	h.io.EnableDHT(hasDHT(reserved))
	h.io.EnableLTEP(hasLTEP(reserved))
	h.io.EnableFEXT(hasFEXT(reserved))

	var infoHash [20]byte
	h.io.ReadBytes(infoHash[:])
	if h.io.IsIncoming() {
		if h.mediator.TorrentInfo(infoHash) == nil {
			h.log.Debugln("peer is trying to connect to us for a torrent we don't have")
			return h.done(false, errBadTorrent)
		}
		h.io.SetTorrentHash(infoHash)
	} else { // outgoing
		if h.io.TorrentHash() != infoHash {
			h.log.Debugln("peer returned the wrong hash")
			return h.done(false, errBadTorrent)
		}
	}

	// If it's an incoming connection, we need to send a response handshake.
	if !h.haveSentBTHandshake {
		msg, ok := h.buildHandshakeMessage()
		if !ok {
			return h.done(false, errBadTorrent)
		}
		h.io.Write(msg)
		h.haveSentBTHandshake = true
	}

	h.setState(awaitingPeerID)
	return readNow
}

// readPeerID handles AwaitingPeerId, the final 20 bytes of the plain handshake.
func (h *Handshake) readPeerID() readState {
	var peerID [20]byte
	if h.io.ReadBufferSize() < len(peerID) {
		return readLater
	}
	h.io.ReadBytes(peerID[:])
	h.peerID = peerID
	h.log.Debugf("peer-id is %q ... incoming is %v", clientForID(peerID), h.io.IsIncoming())

	// if we've somehow connected to ourselves, don't keep the connection
	info := h.mediator.TorrentInfo(h.io.TorrentHash())
	if info != nil && info.ClientPeerID == peerID {
		h.log.Debugln("we've connected to ourselves")
		return h.done(false, errOwnConnection)
	}
	return h.done(true, nil)
}

// clientForID returns a short printable form of a peer id for trace logs.
// Azureus-style ids ("-TR4050-...") are trimmed to the client tag.
func clientForID(id [20]byte) string {
	if id[0] == '-' && id[7] == '-' {
		return string(id[1:7])
	}
	return hex.EncodeToString(id[:8])
}
