// Package handshake implements the BitTorrent peer handshake as a state
// machine over a peerio.IO. It negotiates Message Stream Encryption when
// possible, authenticates both sides on a torrent, and hands the connection
// off through a completion callback.
package handshake

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/clasp/internal/mse"
	"github.com/cenkalti/clasp/internal/peerio"
)

// Timeout is the overall deadline for completing the handshake.
const Timeout = 30 * time.Second

const (
	handshakeSize        = 68
	incomingHandshakeLen = 48 // magic + flags + info hash; peer id is read separately
	padAMaxLen           = 512
	padBMaxLen           = 512
	padCMaxLen           = 512
	padDMaxLen           = 512
)

var handshakeMagic = []byte("\x13BitTorrent protocol")

// verification constant: 8 zero bytes marking the end of MSE padding
var vc [8]byte

// EncryptionMode is the local policy for stream encryption.
type EncryptionMode int

// Encryption modes
const (
	ClearPreferred EncryptionMode = iota
	EncryptionPreferred
	EncryptionRequired
)

func (m EncryptionMode) String() string {
	switch m {
	case ClearPreferred:
		return "clear-preferred"
	case EncryptionPreferred:
		return "preferred"
	case EncryptionRequired:
		return "required"
	default:
		return "unknown"
	}
}

type readState int

const (
	readNow readState = iota
	readLater
	readErr
)

type state int

const (
	awaitingHandshake state = iota
	awaitingPeerID
	awaitingYa
	awaitingPadA
	awaitingCryptoProvide
	awaitingPadC
	awaitingIa
	awaitingPayloadStream
	awaitingYb
	awaitingVc
	awaitingCryptoSelect
	awaitingPadD
)

var stateNames = map[state]string{
	awaitingHandshake:     "awaiting handshake",
	awaitingPeerID:        "awaiting peer id",
	awaitingYa:            "awaiting ya",
	awaitingPadA:          "awaiting pad a",
	awaitingCryptoProvide: "awaiting crypto provide",
	awaitingPadC:          "awaiting pad c",
	awaitingIa:            "awaiting ia",
	awaitingPayloadStream: "awaiting payload stream",
	awaitingYb:            "awaiting yb",
	awaitingVc:            "awaiting vc",
	awaitingCryptoSelect:  "awaiting crypto select",
	awaitingPadD:          "awaiting pad d",
}

func (s state) String() string { return stateNames[s] }

// DoneFunc receives the result of the handshake exactly once. On success
// the peer-io is ready for BitTorrent protocol messages and ownership
// passes to the callback.
type DoneFunc func(io peerio.IO, peerID [20]byte, ok bool)

// Handshake is a single-connection handshake session.
type Handshake struct {
	mediator Mediator
	io       peerio.IO
	mode     EncryptionMode
	doneFunc DoneFunc
	dh       *mse.DH
	log      logger.Logger

	m                   sync.Mutex
	state               state
	peerID              [20]byte
	haveSentBTHandshake bool
	haveReadAnything    bool
	peerCryptoProvide   uint32
	cryptoSelect        uint32
	padCLen             uint16
	padDLen             uint16
	iaLen               uint16
	timer               Timer
	fired               bool
	err                 error
	pendingDone         func()
}

// New starts a handshake on io. The initial state depends on the io's
// direction and the encryption mode; for an outgoing connection the first
// bytes are written immediately. The completion callback fires exactly once.
func New(mediator Mediator, io peerio.IO, mode EncryptionMode, doneFunc DoneFunc) *Handshake {
	prefix := "handshake -> "
	if io.IsIncoming() {
		prefix = "handshake <- "
	}
	h := &Handshake{
		mediator: mediator,
		io:       io,
		mode:     mode,
		doneFunc: doneFunc,
		dh:       mse.NewDH(mediator.PrivateKey()),
		log:      logger.New(prefix + io.Addr().String()),
	}
	metricStarted.Inc(1)
	h.timer = mediator.TimerMaker()(Timeout, h.onTimeout)

	h.m.Lock()
	switch {
	case io.IsIncoming():
		h.setState(awaitingHandshake)
	case mode != ClearPreferred:
		h.sendYa()
	default:
		if msg, ok := h.buildHandshakeMessage(); ok {
			h.haveSentBTHandshake = true
			h.setState(awaitingHandshake)
			io.Write(msg)
		} else {
			h.done(false, errBadTorrent)
		}
	}
	cb := h.takePendingDone()
	fired := h.fired
	h.m.Unlock()

	if !fired {
		io.SetCallbacks(h.canRead, h.onError)
	}
	if cb != nil {
		cb()
	}
	return h
}

// PeerID returns the peer's id, valid after the peer disclosed it.
func (h *Handshake) PeerID() [20]byte {
	h.m.Lock()
	defer h.m.Unlock()
	return h.peerID
}

// Err returns the failure cause after the handshake completed with success=false.
func (h *Handshake) Err() error {
	h.m.Lock()
	defer h.m.Unlock()
	return h.err
}

// Encrypted reports whether RC4 was selected for the payload stream.
func (h *Handshake) Encrypted() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.cryptoSelect == uint32(mse.RC4)
}

// HaveReadAnything reports whether the peer ever sent a byte. Distinguishes
// silent peers from mid-stream failures.
func (h *Handshake) HaveReadAnything() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.haveReadAnything
}

// Close cancels the handshake. The timer is stopped and the peer-io
// callbacks are detached. The completion callback does not fire.
func (h *Handshake) Close() {
	h.m.Lock()
	if !h.fired {
		h.fired = true
		h.timer.Stop()
		h.io.ClearCallbacks()
	}
	h.m.Unlock()
}

func (h *Handshake) setState(s state) {
	h.log.Debugf("state: %s -> %s", h.state, s)
	h.state = s
}

// done terminates the handshake. Must be called with h.m held; the
// completion callback is deferred until the lock is released.
func (h *Handshake) done(ok bool, err error) readState {
	if h.fired {
		return readErr
	}
	h.fired = true
	h.err = err
	h.timer.Stop()
	h.io.ClearCallbacks()
	if ok {
		metricOK.Inc(1)
		if h.cryptoSelect == uint32(mse.RC4) {
			metricEncrypted.Inc(1)
		}
	} else {
		metricFailed.Inc(1)
	}
	if f := h.doneFunc; f != nil {
		io, peerID := h.io, h.peerID
		h.pendingDone = func() { f(io, peerID, ok) }
	}
	return readErr
}

func (h *Handshake) takePendingDone() func() {
	cb := h.pendingDone
	h.pendingDone = nil
	return cb
}

func (h *Handshake) onTimeout() {
	h.m.Lock()
	if !h.fired {
		h.log.Debugln("handshake timed out")
		h.done(false, errTimeout)
	}
	cb := h.takePendingDone()
	h.m.Unlock()
	if cb != nil {
		cb()
	}
}

// canRead is the state machine driver. It dispatches buffered bytes to the
// handler for the current state and keeps going while handlers advance.
func (h *Handshake) canRead() {
	h.m.Lock()
	h.drive()
	cb := h.takePendingDone()
	h.m.Unlock()
	if cb != nil {
		cb()
	}
}

func (h *Handshake) drive() {
	for {
		if h.fired {
			return
		}
		h.log.Debugf("handling canRead; state is [%s]", h.state)
		var ret readState
		switch h.state {
		case awaitingHandshake:
			ret = h.readHandshake()
		case awaitingPeerID:
			ret = h.readPeerID()
		case awaitingYa:
			ret = h.readYa()
		case awaitingPadA:
			ret = h.readPadA()
		case awaitingCryptoProvide:
			ret = h.readCryptoProvide()
		case awaitingPadC:
			ret = h.readPadC()
		case awaitingIa:
			ret = h.readIa()
		case awaitingPayloadStream:
			ret = h.readPayloadStream()
		case awaitingYb:
			ret = h.readYb()
		case awaitingVc:
			ret = h.readVc()
		case awaitingCryptoSelect:
			ret = h.readCryptoSelect()
		case awaitingPadD:
			ret = h.readPadD()
		}
		if ret != readNow {
			return
		}
		// After entering a length-prefixed state, re-poll only when the
		// whole segment is buffered to avoid spinning on partial reads.
		switch h.state {
		case awaitingPadC:
			if h.io.ReadBufferSize() < int(h.padCLen) {
				return
			}
		case awaitingPadD:
			if h.io.ReadBufferSize() < int(h.padDLen) {
				return
			}
		case awaitingIa:
			if h.io.ReadBufferSize() < int(h.iaLen) {
				return
			}
		}
	}
}

// onError applies the retry policy from the error handler: a µTP connect
// failure or an encryption failure on an outgoing connection may fall back
// to a plain TCP handshake; everything else terminates the handshake.
func (h *Handshake) onError(err error) {
	h.m.Lock()
	h.handleError(err)
	cb := h.takePendingDone()
	h.m.Unlock()
	if cb != nil {
		cb()
	}
}

func (h *Handshake) handleError(err error) {
	if h.fired {
		return
	}

	if h.io.IsUTP() && !h.io.IsIncoming() && h.state == awaitingYb {
		// the peer probably doesn't speak µTP

		// Don't mark the peer as non-µTP unless it's really a connect failure.
		if isConnectFailure(err) && h.mediator.TorrentInfo(h.io.TorrentHash()) != nil {
			h.mediator.SetUTPFailed(h.io.TorrentHash(), h.io.Addr())
		}

		if h.mediator.AllowsTCP() && h.io.Reconnect() == nil {
			if h.sendPlainHandshake() {
				return
			}
		}
	}

	// The error may mean the peer doesn't do encryption at all.
	// Reconnect and try a plaintext handshake.
	if (h.state == awaitingYb || h.state == awaitingVc) &&
		h.mode != EncryptionRequired && h.mediator.AllowsTCP() && h.io.Reconnect() == nil {
		h.log.Debugln("handshake failed, trying plaintext...")
		if h.sendPlainHandshake() {
			return
		}
	}

	h.log.Debugf("transport error: %s", err)
	h.done(false, err)
}

func (h *Handshake) sendPlainHandshake() bool {
	msg, ok := h.buildHandshakeMessage()
	if !ok {
		return false
	}
	metricFallbacks.Inc(1)
	h.haveSentBTHandshake = true
	h.setState(awaitingHandshake)
	h.io.Write(msg)
	return true
}

func isConnectFailure(err error) bool {
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
