package handshake

import (
	"bytes"
	"encoding/binary"

	"github.com/cenkalti/clasp/internal/mse"
)

// readYa handles AwaitingYa: the initiator's DH public key.
// Step 2 | B->A: Diffie Hellman Yb, PadB
func (h *Handshake) readYa() readState {
	h.log.Debugf("in readYa... need %d, have %d", mse.PublicKeySize, h.io.ReadBufferSize())
	if h.io.ReadBufferSize() < mse.PublicKeySize {
		return readLater
	}

	pub := make([]byte, mse.PublicKeySize)
	h.io.ReadBytes(pub)
	h.dh.SetPeerPublicKey(pub)

	h.log.Debugln("sending B->A: Diffie Hellman Yb, PadB")
	pad, err := mse.Pad()
	if err != nil {
		return h.done(false, err)
	}
	buf := make([]byte, 0, mse.PublicKeySize+len(pad))
	buf = append(buf, h.dh.PublicKey()...)
	buf = append(buf, pad...)
	h.io.Write(buf)

	h.setState(awaitingPadA)
	return readNow
}

// readPadA handles AwaitingPadA: scan for HASH('req1', S) to find the end
// of the initiator's padding.
func (h *Handshake) readPadA() readState {
	needle := mse.HashReq1(h.dh.Secret())

	for i := 0; i < padAMaxLen; i++ {
		if h.io.ReadBufferSize() < len(needle) {
			h.log.Debugln("not enough bytes... returning read_more")
			return readLater
		}
		if h.io.ReadBufferStartsWith(needle[:]) {
			h.log.Debugln("found it... switching to awaiting_crypto_provide")
			h.io.ReadBufferDrain(len(needle))
			h.setState(awaitingCryptoProvide)
			return readNow
		}
		h.io.ReadBufferDrain(1)
	}

	h.log.Debugln("couldn't find HASH('req1', S)")
	return h.done(false, errVcNotFound)
}

// readCryptoProvide handles AwaitingCryptoProvide:
// HASH('req2', SKEY) xor HASH('req3', S), ENCRYPT(VC, crypto_provide, len(PadC)).
func (h *Handshake) readCryptoProvide() readState {
	needLen := 20 + len(vc) + 4 + 2
	if h.io.ReadBufferSize() < needLen {
		return readLater
	}

	// The next 20 bytes are HASH('req2', SKEY) xor HASH('req3', S).
	// We can recover the obfuscated torrent hash by building the latter
	// and xor'ing it with what the peer sent us.
	h.log.Debugln("reading obfuscated torrent hash...")
	var obfuscated [20]byte
	h.io.ReadBytes(obfuscated[:])
	req3 := mse.HashReq3(h.dh.Secret())
	for i := range obfuscated {
		obfuscated[i] ^= req3[i]
	}

	info := h.mediator.TorrentInfoFromObfuscated(obfuscated)
	if info == nil {
		h.log.Debugln("can't find that torrent...")
		return h.done(false, errBadTorrent)
	}
	h.log.Debugf("got incoming connection's encrypted handshake for torrent %d", info.ID)
	h.io.SetTorrentHash(info.InfoHash)

	if info.IsDone && h.mediator.IsPeerKnownSeed(info.ID, h.io.Addr()) {
		h.log.Debugln("another seed tried to reconnect to us")
		return h.done(false, errSeedToSeed)
	}

	// next part: ENCRYPT(VC, crypto_provide, len(PadC))
	infoHash := h.io.TorrentHash()
	h.io.DecryptInit(h.io.IsIncoming(), h.dh, infoHash[:])

	vcIn := make([]byte, len(vc))
	h.io.ReadBytes(vcIn)

	cryptoProvide := h.io.ReadUint32()
	h.peerCryptoProvide = cryptoProvide
	h.log.Debugf("crypto_provide is %d", cryptoProvide)

	padCLen := h.io.ReadUint16()
	h.log.Debugf("padc is %d", padCLen)
	if padCLen > padCMaxLen {
		h.log.Debugln("peer's PadC is too big")
		return h.done(false, errPadTooLong)
	}
	h.padCLen = padCLen

	h.setState(awaitingPadC)
	return readNow
}

// readPadC handles AwaitingPadC: discard the padding, read len(IA).
func (h *Handshake) readPadC() readState {
	if h.io.ReadBufferSize() < int(h.padCLen)+2 {
		return readLater
	}

	h.io.ReadBufferDrain(int(h.padCLen))

	iaLen := h.io.ReadUint16()
	h.log.Debugf("ia_len is %d", iaLen)
	h.iaLen = iaLen

	h.setState(awaitingIa)
	return readNow
}

// getCryptoSelect picks the crypto method from the peer's crypto_provide
// bitmask, honoring the local encryption mode's preference order.
// Returns 0 if nothing acceptable was provided.
func getCryptoSelect(mode EncryptionMode, cryptoProvide uint32) uint32 {
	var choices [2]uint32
	n := 0
	switch mode {
	case EncryptionRequired:
		choices[n] = uint32(mse.RC4)
		n++
	case EncryptionPreferred:
		choices[n] = uint32(mse.RC4)
		n++
		choices[n] = uint32(mse.PlainText)
		n++
	case ClearPreferred:
		choices[n] = uint32(mse.PlainText)
		n++
		choices[n] = uint32(mse.RC4)
		n++
	}
	for _, choice := range choices[:n] {
		if cryptoProvide&choice != 0 {
			return choice
		}
	}
	return 0
}

// readIa handles AwaitingIa. Once the initiator's initial payload is
// buffered we answer with step 4 and our own BT handshake.
// Step 4 | B->A: ENCRYPT(VC, crypto_select, len(padD), padD), ENCRYPT2(Payload Stream)
func (h *Handshake) readIa() readState {
	h.log.Debugf("reading IA... have %d, need %d", h.io.ReadBufferSize(), h.iaLen)
	if h.io.ReadBufferSize() < int(h.iaLen) {
		return readLater
	}

	cryptoSelect := getCryptoSelect(h.mode, h.peerCryptoProvide)
	if cryptoSelect == 0 {
		h.log.Debugln("peer didn't offer an encryption mode we like")
		return h.done(false, errCryptoNotAgreed)
	}
	h.cryptoSelect = cryptoSelect
	h.log.Debugf("selecting crypto mode %d", cryptoSelect)

	infoHash := h.io.TorrentHash()
	h.io.EncryptInit(h.io.IsIncoming(), h.dh, infoHash[:])

	buf := bytes.NewBuffer(make([]byte, 0, 14))
	buf.Write(vc[:])
	_ = binary.Write(buf, binary.BigEndian, cryptoSelect)
	// PadD is reserved for future extensions to the handshake;
	// standard practice at this time is for it to be zero-length.
	_ = binary.Write(buf, binary.BigEndian, uint16(0))
	h.io.Write(buf.Bytes())

	if cryptoSelect == uint32(mse.PlainText) {
		// Step 4 went out encrypted; from here on the stream is clear in
		// both directions. The buffered IA is still ciphertext, so decrypt
		// it before taking the inbound cipher off.
		h.io.EncryptDisable()
		if h.iaLen > 0 {
			ia := make([]byte, h.iaLen)
			h.io.ReadBytes(ia)
			h.io.DecryptDisable()
			h.io.UnreadBytes(ia)
		} else {
			h.io.DecryptDisable()
		}
	}

	h.log.Debugln("sending handshake")
	msg, ok := h.buildHandshakeMessage()
	if !ok {
		return h.done(false, errBadTorrent)
	}
	h.io.Write(msg)
	h.haveSentBTHandshake = true

	// now await the handshake
	h.setState(awaitingPayloadStream)
	return readNow
}

// readPayloadStream handles AwaitingPayloadStream: the initiator's BT
// handshake on the negotiated stream.
func (h *Handshake) readPayloadStream() readState {
	h.log.Debugf("reading payload stream... have %d, need %d", h.io.ReadBufferSize(), handshakeSize)
	if h.io.ReadBufferSize() < handshakeSize {
		return readLater
	}

	switch h.parseHandshake() {
	case parseOK:
		// we've completed the BT handshake... pass the work on to the message layer
		return h.done(true, nil)
	case parsePeerIsSelf:
		return h.done(false, errOwnConnection)
	case parseBadTorrent:
		return h.done(false, errBadTorrent)
	default:
		return h.done(false, errInvalidProtocol)
	}
}
