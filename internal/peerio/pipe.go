package peerio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/cenkalti/clasp/internal/mse"
)

var _ IO = (*Pipe)(nil)

// Pipe is an in-memory IO for tests. NewPipe returns two ends connected
// back-to-back; bytes written to one end are delivered to the other end's
// read buffer by a pump goroutine, so each end's callbacks run serialized
// on their own goroutine like a real connection.
type Pipe struct {
	peer     *Pipe
	incoming bool
	addr     *net.TCPAddr

	// UTP marks the pipe as a µTP transport. Set before Run.
	UTP bool
	// ReconnectFunc is called by Reconnect. If it returns nil, buffered
	// bytes and ciphers on this end are reset.
	ReconnectFunc func() error

	deliverC chan []byte
	errC     chan error
	closeC   chan struct{}
	doneC    chan struct{}

	wmu         sync.Mutex // keeps keystream position and delivery order together
	mu          sync.Mutex
	buf         bytes.Buffer
	enc         *mse.Filter
	dec         *mse.Filter
	torrentHash [20]byte
	dht         bool
	ltep        bool
	fext        bool
	canRead     func()
	onError     func(error)
	closeOnce   sync.Once
}

// NewPipe returns two connected in-memory IOs. a is the outgoing end,
// b the incoming end. Call Run on each end that has callbacks installed.
func NewPipe() (a, b *Pipe) {
	a = newPipeEnd(false, 51413)
	b = newPipeEnd(true, 51414)
	a.peer = b
	b.peer = a
	return a, b
}

func newPipeEnd(incoming bool, port int) *Pipe {
	return &Pipe{
		incoming: incoming,
		addr:     &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		deliverC: make(chan []byte, 64),
		errC:     make(chan error, 1),
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Run starts the pump goroutine that fills the read buffer and fires callbacks.
func (p *Pipe) Run() {
	go p.pump()
}

func (p *Pipe) pump() {
	defer close(p.doneC)
	for {
		select {
		case b := <-p.deliverC:
			p.mu.Lock()
			p.buf.Write(b)
			f := p.canRead
			p.mu.Unlock()
			if f != nil {
				f()
			}
		case err := <-p.errC:
			p.mu.Lock()
			f := p.onError
			p.mu.Unlock()
			if f != nil {
				f(err)
			}
		case <-p.closeC:
			return
		}
	}
}

// InjectError delivers err to the error callback from the pump goroutine.
func (p *Pipe) InjectError(err error) {
	select {
	case p.errC <- err:
	case <-p.closeC:
	}
}

// Feed appends raw bytes to this end's read buffer, bypassing the peer.
func (p *Pipe) Feed(b []byte) {
	select {
	case p.deliverC <- append([]byte(nil), b...):
	case <-p.closeC:
	}
}

func (p *Pipe) ReadBufferSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

func (p *Pipe) ReadBufferStartsWith(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	have := p.buf.Bytes()
	return len(have) >= len(b) && bytes.Equal(have[:len(b)], b)
}

func (p *Pipe) ReadBufferDrain(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := make([]byte, n)
	_, _ = p.buf.Read(b)
	if p.dec != nil {
		p.dec.Apply(b)
	}
}

func (p *Pipe) UnreadBytes(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rest := make([]byte, p.buf.Len())
	_, _ = p.buf.Read(rest)
	p.buf.Reset()
	p.buf.Write(b)
	p.buf.Write(rest)
}

func (p *Pipe) ReadBytes(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.buf.Read(b)
	if p.dec != nil {
		p.dec.Apply(b)
	}
}

func (p *Pipe) ReadUint32() uint32 {
	var b [4]byte
	p.ReadBytes(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (p *Pipe) ReadUint16() uint16 {
	var b [2]byte
	p.ReadBytes(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (p *Pipe) Write(b []byte) {
	out := make([]byte, len(b))
	copy(out, b)
	p.wmu.Lock()
	p.mu.Lock()
	if p.enc != nil {
		p.enc.Apply(out)
	}
	p.mu.Unlock()
	select {
	case p.peer.deliverC <- out:
	case <-p.peer.closeC:
	}
	p.wmu.Unlock()
}

func (p *Pipe) EncryptInit(incoming bool, d *mse.DH, sKey []byte) {
	f, _ := mse.NewEncryptFilter(incoming, d, sKey)
	p.mu.Lock()
	p.enc = f
	p.mu.Unlock()
}

func (p *Pipe) DecryptInit(incoming bool, d *mse.DH, sKey []byte) {
	f, _ := mse.NewDecryptFilter(incoming, d, sKey)
	p.mu.Lock()
	p.dec = f
	p.mu.Unlock()
}

func (p *Pipe) EncryptDisable() { p.mu.Lock(); p.enc = nil; p.mu.Unlock() }
func (p *Pipe) DecryptDisable() { p.mu.Lock(); p.dec = nil; p.mu.Unlock() }

func (p *Pipe) EnableDHT(enable bool)  { p.mu.Lock(); p.dht = enable; p.mu.Unlock() }
func (p *Pipe) EnableLTEP(enable bool) { p.mu.Lock(); p.ltep = enable; p.mu.Unlock() }
func (p *Pipe) EnableFEXT(enable bool) { p.mu.Lock(); p.fext = enable; p.mu.Unlock() }

// DHTEnabled reports whether the peer advertised the DHT reserved bit.
func (p *Pipe) DHTEnabled() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.dht }

// LTEPEnabled reports whether the peer advertised the extension protocol bit.
func (p *Pipe) LTEPEnabled() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.ltep }

// FEXTEnabled reports whether the peer advertised the fast extension bit.
func (p *Pipe) FEXTEnabled() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.fext }

func (p *Pipe) TorrentHash() [20]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.torrentHash
}

func (p *Pipe) SetTorrentHash(ih [20]byte) {
	p.mu.Lock()
	p.torrentHash = ih
	p.mu.Unlock()
}

func (p *Pipe) IsIncoming() bool { return p.incoming }
func (p *Pipe) IsUTP() bool      { return p.UTP }
func (p *Pipe) Addr() net.Addr   { return p.addr }

func (p *Pipe) Reconnect() error {
	if p.ReconnectFunc == nil {
		return errors.New("reconnect is not supported")
	}
	if err := p.ReconnectFunc(); err != nil {
		return err
	}
	p.mu.Lock()
	p.buf.Reset()
	p.enc = nil
	p.dec = nil
	p.mu.Unlock()
	return nil
}

func (p *Pipe) SetCallbacks(canRead func(), onError func(err error)) {
	p.mu.Lock()
	p.canRead = canRead
	p.onError = onError
	p.mu.Unlock()
}

func (p *Pipe) ClearCallbacks() {
	p.mu.Lock()
	p.canRead = nil
	p.onError = nil
	p.mu.Unlock()
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closeC) })
	return nil
}
