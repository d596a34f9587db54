package incominghandshaker

import (
	"io"
	"net"

	"github.com/cenkalti/clasp/internal/handshake"
	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/clasp/internal/peerio"
	"github.com/juju/ratelimit"
)

// IncomingHandshaker runs the BitTorrent handshake on an accepted connection.
type IncomingHandshaker struct {
	Conn      *peerio.Conn
	PeerID    [20]byte
	InfoHash  [20]byte
	Encrypted bool
	Error     error

	netConn net.Conn
	closeC  chan struct{}
	doneC   chan struct{}
}

// New returns a new IncomingHandshaker for an accepted net.Conn.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{
		netConn: conn,
		closeC:  make(chan struct{}),
		doneC:   make(chan struct{}),
	}
}

// Close the handshaker. Also closes the underlying connection if the
// handshake is still in progress.
func (h *IncomingHandshaker) Close() {
	close(h.closeC)
	<-h.doneC
}

type result struct {
	peerID [20]byte
	ok     bool
}

// Run the handshaker goroutine. The handshaker itself is sent to resultC
// when the handshake ends; inspect Error to see if it succeeded.
func (h *IncomingHandshaker) Run(
	mediator handshake.Mediator,
	mode handshake.EncryptionMode,
	readBucket, writeBucket *ratelimit.Bucket,
	resultC chan *IncomingHandshaker,
) {
	defer close(h.doneC)
	log := logger.New("conn <- " + h.netConn.RemoteAddr().String())

	conn := peerio.New(h.netConn, true, readBucket, writeBucket)
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
				log.Debugln("cannot complete incoming handshake:", err)
			}
			h.Error = err
			conn.Close()
		} else {
			h.Conn = conn
			h.PeerID = res.peerID
			h.InfoHash = conn.TorrentHash()
			h.Encrypted = hs.Encrypted()
			log.Debugf("connection accepted. (encrypted=%v client=%q)", h.Encrypted, res.peerID[:8])
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
