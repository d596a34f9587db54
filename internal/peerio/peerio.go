// Package peerio provides the buffered byte-stream object the handshake
// state machine runs on. An IO owns a read buffer fed from the underlying
// transport and invokes a callback whenever new bytes are readable.
// Symmetric ciphers can be installed on each direction independently in
// the middle of the stream; decryption is applied when bytes are read out
// of the buffer, so buffered ciphertext can be scanned raw and consumed
// decrypted.
package peerio

import (
	"net"

	"github.com/cenkalti/clasp/internal/mse"
)

// IO is the byte-stream contract between a peer connection and the
// handshake. Read methods must only be called for byte counts already
// confirmed with ReadBufferSize.
type IO interface {
	// ReadBufferSize returns the number of unconsumed buffered bytes.
	ReadBufferSize() int
	// ReadBufferStartsWith reports whether the buffer begins with p.
	// The comparison is on raw bytes; no cipher is applied.
	ReadBufferStartsWith(p []byte) bool
	// ReadBufferDrain discards n buffered bytes. If a decrypt cipher is
	// installed its keystream advances over the discarded bytes.
	ReadBufferDrain(n int)
	// UnreadBytes puts p back at the front of the read buffer as-is.
	UnreadBytes(p []byte)
	// ReadBytes fills p from the buffer, decrypting if a cipher is installed.
	ReadBytes(p []byte)
	ReadUint32() uint32
	ReadUint16() uint16
	// Write queues p for sending, encrypting if a cipher is installed.
	Write(p []byte)

	EncryptInit(incoming bool, d *mse.DH, sKey []byte)
	DecryptInit(incoming bool, d *mse.DH, sKey []byte)
	EncryptDisable()
	DecryptDisable()

	EnableDHT(enable bool)
	EnableLTEP(enable bool)
	EnableFEXT(enable bool)

	TorrentHash() [20]byte
	SetTorrentHash(ih [20]byte)

	IsIncoming() bool
	IsUTP() bool
	Addr() net.Addr

	// Reconnect tears down the transport and dials the same address again.
	// Buffers and ciphers are reset on success.
	Reconnect() error

	// SetCallbacks installs the readable and error callbacks. Callbacks for
	// one IO are never invoked concurrently.
	SetCallbacks(canRead func(), onError func(err error))
	ClearCallbacks()

	Close() error
}
