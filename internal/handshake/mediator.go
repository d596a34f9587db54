package handshake

import (
	"math/big"
	"net"
	"time"
)

// TorrentInfo is the mediator's view of a single torrent.
type TorrentInfo struct {
	InfoHash     [20]byte
	ID           int
	ClientPeerID [20]byte
	IsDone       bool
}

// Timer is a one-shot timer that can be cancelled.
type Timer interface {
	Stop() bool
}

// TimerFactory creates one-shot timers. Tests substitute their own factory
// to control the handshake deadline.
type TimerFactory func(d time.Duration, f func()) Timer

// SystemTimers is a TimerFactory over the runtime timer.
func SystemTimers(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mediator supplies the handshake with key material and torrent lookups.
// It must be safe for concurrent reads; its lifetime exceeds every
// handshake it spawns.
type Mediator interface {
	// PrivateKey returns the client's DH private key.
	PrivateKey() *big.Int
	// TorrentInfo looks up a torrent by info hash. Returns nil if unknown.
	TorrentInfo(infoHash [20]byte) *TorrentInfo
	// TorrentInfoFromObfuscated looks up a torrent by
	// SHA1("req2", infoHash), the obfuscated form sent during the
	// encrypted handshake. Returns nil if unknown.
	TorrentInfoFromObfuscated(obfuscated [20]byte) *TorrentInfo
	// IsPeerKnownSeed reports whether addr is known to be a seed for the torrent.
	IsPeerKnownSeed(torrentID int, addr net.Addr) bool
	AllowsDHT() bool
	AllowsTCP() bool
	// SetUTPFailed records that addr cannot be reached over µTP.
	SetUTPFailed(infoHash [20]byte, addr net.Addr)
	TimerMaker() TimerFactory
}
