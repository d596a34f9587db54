package handshake

import (
	"bytes"
	"encoding/binary"

	"github.com/cenkalti/clasp/internal/mse"
)

// cryptoProvide is the bitmask we offer as the initiator of an encrypted
// handshake.
func (h *Handshake) cryptoProvide() uint32 {
	provide := uint32(mse.RC4)
	if h.mode != EncryptionRequired {
		provide |= uint32(mse.PlainText)
	}
	return provide
}

// sendYa transmits our DH public key followed by random padding.
// Step 1 | A->B: Diffie Hellman Ya, PadA
func (h *Handshake) sendYa() {
	pad, err := mse.Pad()
	if err != nil {
		h.done(false, err)
		return
	}
	buf := make([]byte, 0, mse.PublicKeySize+len(pad))
	buf = append(buf, h.dh.PublicKey()...)
	buf = append(buf, pad...)
	h.setState(awaitingYb)
	h.io.Write(buf)
}

// readYb handles AwaitingYb. If the peer answered with a plain BT
// handshake instead of a public key, the connection is unencrypted and
// control moves to AwaitingHandshake. Otherwise the shared secret is
// computed and step 3 goes out.
func (h *Handshake) readYb() readState {
	if h.io.ReadBufferSize() < len(handshakeMagic) {
		return readLater
	}

	encrypted := !h.io.ReadBufferStartsWith(handshakeMagic)
	if encrypted && h.io.ReadBufferSize() < mse.PublicKeySize {
		return readLater
	}

	if !encrypted {
		h.log.Debugln("got a plain handshake")
		h.setState(awaitingHandshake)
		return readNow
	}

	h.log.Debugln("got an encrypted handshake")
	h.haveReadAnything = true

	pub := make([]byte, mse.PublicKeySize)
	h.io.ReadBytes(pub)
	h.dh.SetPeerPublicKey(pub)

	// Step 3 | A->B: HASH('req1', S), HASH('req2', SKEY) xor HASH('req3', S),
	// ENCRYPT(VC, crypto_provide, len(PadC), PadC, len(IA)), ENCRYPT(IA)
	infoHash := h.io.TorrentHash()
	req1 := mse.HashReq1(h.dh.Secret())
	req2 := mse.HashSKey(infoHash[:])
	req3 := mse.HashReq3(h.dh.Secret())
	head := make([]byte, 0, 40)
	head = append(head, req1[:]...)
	for i := range req2 {
		head = append(head, req2[i]^req3[i])
	}
	h.io.Write(head)

	h.io.EncryptInit(h.io.IsIncoming(), h.dh, infoHash[:])

	msg, ok := h.buildHandshakeMessage()
	if !ok {
		return h.done(false, errBadTorrent)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 16+handshakeSize))
	buf.Write(vc[:])
	_ = binary.Write(buf, binary.BigEndian, h.cryptoProvide())
	// PadC is reserved for future extensions to the handshake;
	// standard practice at this time is for it to be zero-length.
	_ = binary.Write(buf, binary.BigEndian, uint16(0))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(msg)))
	buf.Write(msg)
	h.haveSentBTHandshake = true

	h.setState(awaitingVc)
	h.io.Write(buf.Bytes())
	return readNow
}

// readVc handles AwaitingVc. The length of PadB is unknown, so we
// resynchronize on ENCRYPT(VC): the expected 8 ciphertext bytes are
// computed with a scratch copy of the peer's keystream, then the read
// buffer is scanned for them.
func (h *Handshake) readVc() readState {
	infoHash := h.io.TorrentHash()

	needle := make([]byte, len(vc))
	filter, err := mse.NewDecryptFilter(h.io.IsIncoming(), h.dh, infoHash[:])
	if err != nil {
		return h.done(false, err)
	}
	filter.Apply(needle)

	for i := 0; i < padBMaxLen; i++ {
		if h.io.ReadBufferSize() < len(needle) {
			h.log.Debugln("not enough bytes... returning read_more")
			return readLater
		}
		if h.io.ReadBufferStartsWith(needle) {
			h.log.Debugln("got it!")
			// Install the live keystream, then consume the match so the
			// keystream advances past VC.
			h.io.DecryptInit(h.io.IsIncoming(), h.dh, infoHash[:])
			h.io.ReadBytes(needle)
			h.setState(awaitingCryptoSelect)
			return readNow
		}
		h.io.ReadBufferDrain(1)
	}

	h.log.Debugln("couldn't find ENCRYPT(VC)")
	return h.done(false, errVcNotFound)
}

// readCryptoSelect handles AwaitingCryptoSelect: the peer's chosen crypto
// method and the length of PadD.
func (h *Handshake) readCryptoSelect() readState {
	if h.io.ReadBufferSize() < 6 {
		return readLater
	}

	cryptoSelect := h.io.ReadUint32()
	h.cryptoSelect = cryptoSelect
	h.log.Debugf("crypto select is %d", cryptoSelect)

	if cryptoSelect&h.cryptoProvide() == 0 {
		h.log.Debugln("peer selected an encryption option we didn't offer")
		return h.done(false, errCryptoNotAgreed)
	}

	padDLen := h.io.ReadUint16()
	h.log.Debugf("pad_d_len is %d", padDLen)
	if padDLen > padDMaxLen {
		h.log.Debugln("pad_d_len is too long")
		return h.done(false, errPadTooLong)
	}
	h.padDLen = padDLen

	h.setState(awaitingPadD)
	return readNow
}

// readPadD handles AwaitingPadD. After the padding, if the peer selected
// plaintext, both ciphers come off and the rest of the stream is clear.
func (h *Handshake) readPadD() readState {
	needLen := int(h.padDLen)
	h.log.Debugf("pad d: need %d, got %d", needLen, h.io.ReadBufferSize())
	if h.io.ReadBufferSize() < needLen {
		return readLater
	}
	h.io.ReadBufferDrain(needLen)

	if h.cryptoSelect == uint32(mse.PlainText) {
		h.io.EncryptDisable()
		h.io.DecryptDisable()
	}

	h.setState(awaitingHandshake)
	return readNow
}
