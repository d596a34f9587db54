package outgoinghandshaker

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/clasp/internal/handshake"
	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/clasp/internal/peerio"
	"github.com/juju/ratelimit"
)

// OutgoingHandshaker runs the BitTorrent handshake on an outgoing connection.
type OutgoingHandshaker struct {
	Addr      net.Addr
	Conn      *peerio.Conn
	PeerID    [20]byte
	Encrypted bool
	Error     error

	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a new OutgoingHandshaker for a peer address.
func New(addr net.Addr) *OutgoingHandshaker {
	return &OutgoingHandshaker{
		Addr:   addr,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close the handshaker. Also closes the connection if the handshake is
// still in progress.
func (h *OutgoingHandshaker) Close() {
	close(h.closeC)
	<-h.doneC
}

type result struct {
	peerID [20]byte
	ok     bool
}

// Run the handshaker goroutine. The handshaker itself is sent to resultC
// when the handshake ends; inspect Error to see if it succeeded.
func (h *OutgoingHandshaker) Run(
	mediator handshake.Mediator,
	infoHash [20]byte,
	mode handshake.EncryptionMode,
	dialTimeout time.Duration,
	readBucket, writeBucket *ratelimit.Bucket,
	resultC chan *OutgoingHandshaker,
) {
	defer close(h.doneC)
	log := logger.New("peer -> " + h.Addr.String())

	log.Debugln("connecting to peer...")
	conn, err := peerio.Dial(h.Addr, dialTimeout, readBucket, writeBucket)
	if err != nil {
		log.Debugln("cannot connect:", err)
		h.Error = err
		select {
		case resultC <- h:
		case <-h.closeC:
		}
		return
	}
	log.Debugln("connected")
	conn.SetTorrentHash(infoHash)

	resC := make(chan result, 1)
	hs := handshake.New(mediator, conn, mode, func(_ peerio.IO, peerID [20]byte, ok bool) {
		resC <- result{peerID: peerID, ok: ok}
	})
	conn.Run()

	select {
	case res := <-resC:
		if !res.ok {
			err := hs.Err()
			if err == io.EOF {
				log.Debug("peer has closed the connection: EOF")
			} else if err == io.ErrUnexpectedEOF {
				log.Debug("peer has closed the connection: Unexpected EOF")
			} else if _, ok := err.(*net.OpError); ok {
				log.Debugln("net operation error:", err)
			} else if _, ok := err.(*handshake.Error); ok {
				log.Debugln("protocol error:", err)
			} else {
				log.Errorln("cannot complete outgoing handshake:", err)
			}
			if !hs.HaveReadAnything() {
				log.Debug("peer has not sent any bytes")
			}
			h.Error = err
			conn.Close()
		} else {
			h.Conn = conn
			h.PeerID = res.peerID
			h.Encrypted = hs.Encrypted()
			log.Debugf("connected to peer. (encrypted=%v client=%q)", h.Encrypted, res.peerID[:8])
		}
		select {
		case resultC <- h:
		case <-h.closeC:
			conn.Close()
		}
	case <-h.closeC:
		hs.Close()
		conn.Close()
	}
}
