package peerio

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/clasp/internal/mse"
	"github.com/juju/ratelimit"
)

const readChunkSize = 8192

var _ IO = (*Conn)(nil)

// Conn is an IO over a net.Conn. A reader goroutine started by Run feeds
// the read buffer and fires the can-read callback after each arrival.
type Conn struct {
	incoming bool
	utp      bool
	addr     net.Addr
	log      logger.Logger

	readBucket  *ratelimit.Bucket
	writeBucket *ratelimit.Bucket

	mu          sync.Mutex
	conn        net.Conn
	buf         bytes.Buffer
	enc         *mse.Filter
	dec         *mse.Filter
	torrentHash [20]byte
	dht         bool
	ltep        bool
	fext        bool
	canRead     func()
	onError     func(error)
	gen         int
	closed      bool

	cbmu sync.Mutex // serializes callback invocations
	wmu  sync.Mutex // serializes transport writes
}

// New returns a Conn wrapping an established transport connection.
// Buckets may be nil for unlimited rate. Call Run to start delivering
// readable callbacks.
func New(conn net.Conn, incoming bool, readBucket, writeBucket *ratelimit.Bucket) *Conn {
	prefix := "conn -> "
	if incoming {
		prefix = "conn <- "
	}
	return &Conn{
		incoming:    incoming,
		addr:        conn.RemoteAddr(),
		conn:        conn,
		readBucket:  readBucket,
		writeBucket: writeBucket,
		log:         logger.New(prefix + conn.RemoteAddr().String()),
	}
}

// Dial connects to addr and returns an outgoing Conn.
func Dial(addr net.Addr, timeout time.Duration, readBucket, writeBucket *ratelimit.Bucket) (*Conn, error) {
	conn, err := net.DialTimeout(addr.Network(), addr.String(), timeout)
	if err != nil {
		return nil, err
	}
	return New(conn, false, readBucket, writeBucket), nil
}

// Run starts the reader goroutine. Must be called after the owner has
// installed callbacks.
func (c *Conn) Run() {
	c.mu.Lock()
	conn, gen := c.conn, c.gen
	c.mu.Unlock()
	go c.readLoop(conn, gen)
}

func (c *Conn) readLoop(conn net.Conn, gen int) {
	b := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(b)
		if n > 0 {
			if c.readBucket != nil {
				c.readBucket.Wait(int64(n))
			}
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.buf.Write(b[:n])
			f := c.canRead
			c.mu.Unlock()
			if f != nil {
				c.cbmu.Lock()
				f()
				c.cbmu.Unlock()
			}
		}
		if err != nil {
			c.deliverError(err, gen)
			return
		}
	}
}

func (c *Conn) deliverError(err error, gen int) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	f := c.onError
	c.mu.Unlock()
	if f != nil {
		c.cbmu.Lock()
		f(err)
		c.cbmu.Unlock()
	}
}

func (c *Conn) ReadBufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

func (c *Conn) ReadBufferStartsWith(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buf.Bytes()
	return len(b) >= len(p) && bytes.Equal(b[:len(p)], p)
}

func (c *Conn) ReadBufferDrain(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, n)
	_, _ = c.buf.Read(b)
	if c.dec != nil {
		c.dec.Apply(b) // keep the keystream aligned
	}
}

func (c *Conn) UnreadBytes(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rest := make([]byte, c.buf.Len())
	_, _ = c.buf.Read(rest)
	c.buf.Reset()
	c.buf.Write(p)
	c.buf.Write(rest)
}

func (c *Conn) ReadBytes(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.buf.Read(p)
	if c.dec != nil {
		c.dec.Apply(p)
	}
}

func (c *Conn) ReadUint32() uint32 {
	var b [4]byte
	c.ReadBytes(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (c *Conn) ReadUint16() uint16 {
	var b [2]byte
	c.ReadBytes(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (c *Conn) Write(p []byte) {
	b := make([]byte, len(p))
	copy(b, p)
	// wmu keeps the keystream position and the transport write in the
	// same order for concurrent writers.
	c.wmu.Lock()
	c.mu.Lock()
	if c.enc != nil {
		c.enc.Apply(b)
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()
	if c.writeBucket != nil {
		c.writeBucket.Wait(int64(len(b)))
	}
	_, err := conn.Write(b)
	c.wmu.Unlock()
	if err != nil {
		go c.deliverError(err, gen)
	}
}

func (c *Conn) EncryptInit(incoming bool, d *mse.DH, sKey []byte) {
	f, err := mse.NewEncryptFilter(incoming, d, sKey)
	if err != nil {
		c.log.Errorln("cannot initialize encryption:", err)
		return
	}
	c.mu.Lock()
	c.enc = f
	c.mu.Unlock()
}

func (c *Conn) DecryptInit(incoming bool, d *mse.DH, sKey []byte) {
	f, err := mse.NewDecryptFilter(incoming, d, sKey)
	if err != nil {
		c.log.Errorln("cannot initialize decryption:", err)
		return
	}
	c.mu.Lock()
	c.dec = f
	c.mu.Unlock()
}

func (c *Conn) EncryptDisable() {
	c.mu.Lock()
	c.enc = nil
	c.mu.Unlock()
}

func (c *Conn) DecryptDisable() {
	c.mu.Lock()
	c.dec = nil
	c.mu.Unlock()
}

func (c *Conn) EnableDHT(enable bool)  { c.mu.Lock(); c.dht = enable; c.mu.Unlock() }
func (c *Conn) EnableLTEP(enable bool) { c.mu.Lock(); c.ltep = enable; c.mu.Unlock() }
func (c *Conn) EnableFEXT(enable bool) { c.mu.Lock(); c.fext = enable; c.mu.Unlock() }

// DHTEnabled reports whether the peer advertised the DHT reserved bit.
func (c *Conn) DHTEnabled() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.dht }

// LTEPEnabled reports whether the peer advertised the extension protocol bit.
func (c *Conn) LTEPEnabled() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.ltep }

// FEXTEnabled reports whether the peer advertised the fast extension bit.
func (c *Conn) FEXTEnabled() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.fext }

func (c *Conn) TorrentHash() [20]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torrentHash
}

func (c *Conn) SetTorrentHash(ih [20]byte) {
	c.mu.Lock()
	c.torrentHash = ih
	c.mu.Unlock()
}

func (c *Conn) IsIncoming() bool { return c.incoming }
func (c *Conn) IsUTP() bool      { return c.utp }
func (c *Conn) Addr() net.Addr   { return c.addr }

// Reconnect closes the transport and dials the same address again.
// On success buffers and ciphers are reset and a new reader goroutine
// is started.
func (c *Conn) Reconnect() error {
	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()
	old.Close()

	var conn net.Conn
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialTimeout(c.addr.Network(), c.addr.String(), 10*time.Second)
		return err
	}, bo)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.buf.Reset()
	c.enc = nil
	c.dec = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.log.Debugln("reconnected to", c.addr)
	go c.readLoop(conn, gen)
	return nil
}

func (c *Conn) SetCallbacks(canRead func(), onError func(err error)) {
	c.mu.Lock()
	c.canRead = canRead
	c.onError = onError
	c.mu.Unlock()
}

func (c *Conn) ClearCallbacks() {
	c.mu.Lock()
	c.canRead = nil
	c.onError = nil
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.gen++
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}
