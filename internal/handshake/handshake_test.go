package handshake

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/clasp/internal/mse"
	"github.com/cenkalti/clasp/internal/peerio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testInfoHash = [20]byte{0x0E, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	peerIDA      = [20]byte{'-', 'C', 'P', '0', '0', '1', '0', '-', 'a', 'a', 'a', 'a', 'a', 'a', 'a', 'a', 'a', 'a', 'a', 'a'}
	peerIDB      = [20]byte{'-', 'C', 'P', '0', '0', '1', '0', '-', 'b', 'b', 'b', 'b', 'b', 'b', 'b', 'b', 'b', 'b', 'b', 'b'}
)

type testMediator struct {
	key      *big.Int
	allowDHT bool
	denyTCP  bool
	seeds    bool
	timeout  time.Duration // overrides the handshake deadline when set

	mu        sync.Mutex
	infos     map[[20]byte]*TorrentInfo
	utpFailed []net.Addr
}

func newTestMediator(t *testing.T, infoHash, clientPeerID [20]byte) *testMediator {
	t.Helper()
	key, err := mse.GeneratePrivateKey()
	require.NoError(t, err)
	m := &testMediator{
		key:   key,
		infos: make(map[[20]byte]*TorrentInfo),
	}
	m.infos[infoHash] = &TorrentInfo{InfoHash: infoHash, ID: 1, ClientPeerID: clientPeerID}
	return m
}

func (m *testMediator) PrivateKey() *big.Int { return m.key }

func (m *testMediator) TorrentInfo(infoHash [20]byte) *TorrentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infos[infoHash]
}

func (m *testMediator) TorrentInfoFromObfuscated(obfuscated [20]byte) *TorrentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ih, info := range m.infos {
		if mse.HashSKey(ih[:]) == obfuscated {
			return info
		}
	}
	return nil
}

func (m *testMediator) IsPeerKnownSeed(torrentID int, addr net.Addr) bool { return m.seeds }
func (m *testMediator) AllowsDHT() bool                                   { return m.allowDHT }
func (m *testMediator) AllowsTCP() bool                                   { return !m.denyTCP }

func (m *testMediator) SetUTPFailed(infoHash [20]byte, addr net.Addr) {
	m.mu.Lock()
	m.utpFailed = append(m.utpFailed, addr)
	m.mu.Unlock()
}

func (m *testMediator) TimerMaker() TimerFactory {
	return func(d time.Duration, f func()) Timer {
		if m.timeout != 0 {
			d = m.timeout
		}
		return time.AfterFunc(d, f)
	}
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

type hsResult struct {
	peerID [20]byte
	ok     bool
}

func waitResult(t *testing.T, c chan hsResult, what string) hsResult {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not finish", what)
		return hsResult{}
	}
}

func waitBuffered(t *testing.T, io peerio.IO, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for io.ReadBufferSize() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d bytes, have %d", n, io.ReadBufferSize())
		}
		time.Sleep(time.Millisecond)
	}
}

func runPair(t *testing.T, aMed, bMed *testMediator, aMode, bMode EncryptionMode) (a, b *peerio.Pipe, ha, hb *Handshake, aRes, bRes hsResult) {
	t.Helper()
	a, b = peerio.NewPipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	a.SetTorrentHash(testInfoHash)

	aC := make(chan hsResult, 1)
	bC := make(chan hsResult, 1)
	ha = New(aMed, a, aMode, func(_ peerio.IO, id [20]byte, ok bool) { aC <- hsResult{peerID: id, ok: ok} })
	hb = New(bMed, b, bMode, func(_ peerio.IO, id [20]byte, ok bool) { bC <- hsResult{peerID: id, ok: ok} })
	a.Run()
	b.Run()

	aRes = waitResult(t, aC, "outgoing handshake")
	bRes = waitResult(t, bC, "incoming handshake")
	return
}

func TestPlainHandshakePair(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	bMed := newTestMediator(t, testInfoHash, peerIDB)

	_, _, ha, hb, aRes, bRes := runPair(t, aMed, bMed, ClearPreferred, ClearPreferred)

	require.True(t, aRes.ok)
	require.True(t, bRes.ok)
	assert.Equal(t, peerIDB, aRes.peerID)
	assert.Equal(t, peerIDA, bRes.peerID)
	assert.False(t, ha.Encrypted())
	assert.False(t, hb.Encrypted())
}

func TestEncryptedHandshakePair(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	bMed := newTestMediator(t, testInfoHash, peerIDB)

	_, _, ha, hb, aRes, bRes := runPair(t, aMed, bMed, EncryptionPreferred, EncryptionPreferred)

	require.True(t, aRes.ok)
	require.True(t, bRes.ok)
	assert.Equal(t, peerIDB, aRes.peerID)
	assert.Equal(t, peerIDA, bRes.peerID)
	assert.True(t, ha.Encrypted())
	assert.True(t, hb.Encrypted())
}

func TestEncryptionModeMatrix(t *testing.T) {
	tests := []struct {
		name          string
		aMode, bMode  EncryptionMode
		wantOK        bool
		wantEncrypted bool
	}{
		{"clear/clear", ClearPreferred, ClearPreferred, true, false},
		{"clear/prefer", ClearPreferred, EncryptionPreferred, true, false},
		{"clear/require", ClearPreferred, EncryptionRequired, false, false},
		{"prefer/clear", EncryptionPreferred, ClearPreferred, true, false},
		{"prefer/prefer", EncryptionPreferred, EncryptionPreferred, true, true},
		{"prefer/require", EncryptionPreferred, EncryptionRequired, true, true},
		{"require/clear", EncryptionRequired, ClearPreferred, true, true},
		{"require/prefer", EncryptionRequired, EncryptionPreferred, true, true},
		{"require/require", EncryptionRequired, EncryptionRequired, true, true},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			aMed := newTestMediator(t, testInfoHash, peerIDA)
			bMed := newTestMediator(t, testInfoHash, peerIDB)
			if !test.wantOK {
				// the rejected side goes silent; don't wait the full deadline
				aMed.timeout = 200 * time.Millisecond
				bMed.timeout = 200 * time.Millisecond
				// a plaintext fallback would defeat the point of the test
				aMed.denyTCP = true
			}

			_, _, ha, hb, aRes, bRes := runPair(t, aMed, bMed, test.aMode, test.bMode)

			require.Equal(t, test.wantOK, aRes.ok, "outgoing")
			require.Equal(t, test.wantOK, bRes.ok, "incoming")
			if test.wantOK {
				assert.Equal(t, test.wantEncrypted, ha.Encrypted(), "outgoing cipher")
				assert.Equal(t, test.wantEncrypted, hb.Encrypted(), "incoming cipher")
			}
		})
	}
}

func TestSelfConnection(t *testing.T) {
	// both sides present the same peer id
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	bMed := newTestMediator(t, testInfoHash, peerIDA)

	_, _, ha, hb, aRes, bRes := runPair(t, aMed, bMed, ClearPreferred, ClearPreferred)

	require.False(t, aRes.ok)
	require.False(t, bRes.ok)
	assert.Equal(t, errOwnConnection, ha.Err())
	assert.Equal(t, errOwnConnection, hb.Err())
}

func TestWrongInfoHash(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)

	a, b := peerio.NewPipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	a.SetTorrentHash(testInfoHash)

	aC := make(chan hsResult, 1)
	ha := New(aMed, a, ClearPreferred, func(_ peerio.IO, id [20]byte, ok bool) { aC <- hsResult{peerID: id, ok: ok} })
	a.Run()
	b.Run()

	// the remote replies with a handshake for another torrent
	waitBuffered(t, b, 68)
	got := make([]byte, 68)
	b.ReadBytes(got)
	require.True(t, bytes.HasPrefix(got, handshakeMagic))

	otherHash := testInfoHash
	otherHash[0]++
	reply := make([]byte, 0, 68)
	reply = append(reply, handshakeMagic...)
	reply = append(reply, make([]byte, 8)...)
	reply = append(reply, otherHash[:]...)
	reply = append(reply, peerIDB[:]...)
	b.Write(reply)

	aRes := waitResult(t, aC, "outgoing handshake")
	require.False(t, aRes.ok)
	assert.Equal(t, errBadTorrent, ha.Err())
}

func TestTimeoutFiresOnce(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	aMed.timeout = 100 * time.Millisecond

	a, b := peerio.NewPipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	a.SetTorrentHash(testInfoHash)

	var calls int32
	var okSeen int32
	ha := New(aMed, a, EncryptionPreferred, func(_ peerio.IO, _ [20]byte, ok bool) {
		atomic.AddInt32(&calls, 1)
		if ok {
			atomic.AddInt32(&okSeen, 1)
		}
	})
	a.Run()
	b.Run() // the peer stays silent

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&okSeen))
	assert.Equal(t, errTimeout, ha.Err())
}

func TestDriverIdempotent(t *testing.T) {
	bMed := newTestMediator(t, testInfoHash, peerIDB)

	_, b := peerio.NewPipe()
	t.Cleanup(func() { b.Close() })
	hb := New(bMed, b, EncryptionPreferred, nil)

	// the read buffer is empty: invoking the driver must not advance state
	hb.canRead()
	hb.canRead()

	hb.m.Lock()
	defer hb.m.Unlock()
	assert.Equal(t, awaitingHandshake, hb.state)
	assert.False(t, hb.fired)
}

func TestGetCryptoSelect(t *testing.T) {
	rc4 := uint32(mse.RC4)
	plain := uint32(mse.PlainText)
	tests := []struct {
		mode    EncryptionMode
		provide uint32
		want    uint32
	}{
		{EncryptionRequired, rc4 | plain, rc4},
		{EncryptionRequired, plain, 0},
		{EncryptionPreferred, rc4 | plain, rc4},
		{EncryptionPreferred, plain, plain},
		{ClearPreferred, rc4 | plain, plain},
		{ClearPreferred, rc4, rc4},
		{EncryptionPreferred, 0, 0},
	}
	for _, test := range tests {
		got := getCryptoSelect(test.mode, test.provide)
		assert.Equal(t, test.want, got, "mode=%s provide=%d", test.mode, test.provide)
	}
}

func TestExtensionBitsRoundTrip(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	aMed.allowDHT = true
	bMed := newTestMediator(t, testInfoHash, peerIDB)

	a, b, _, _, aRes, bRes := runPair(t, aMed, bMed, ClearPreferred, ClearPreferred)

	require.True(t, aRes.ok)
	require.True(t, bRes.ok)
	// b observed a's bits, a observed b's
	assert.True(t, b.DHTEnabled())
	assert.False(t, a.DHTEnabled())
	assert.True(t, a.LTEPEnabled())
	assert.True(t, b.LTEPEnabled())
	assert.True(t, a.FEXTEnabled())
	assert.True(t, b.FEXTEnabled())
}

func TestPadDLengthBound(t *testing.T) {
	a, _ := peerio.NewPipe()
	t.Cleanup(func() { a.Close() })

	h := &Handshake{
		io:    a,
		mode:  EncryptionPreferred,
		log:   logger.New("test"),
		timer: fakeTimer{},
		state: awaitingCryptoSelect,
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(mse.RC4))
	_ = binary.Write(buf, binary.BigEndian, uint16(513))
	a.UnreadBytes(buf.Bytes())

	require.Equal(t, readErr, h.readCryptoSelect())
	assert.Equal(t, errPadTooLong, h.err)
}

func TestCryptoSelectNotOffered(t *testing.T) {
	a, _ := peerio.NewPipe()
	t.Cleanup(func() { a.Close() })

	h := &Handshake{
		io:    a,
		mode:  EncryptionPreferred,
		log:   logger.New("test"),
		timer: fakeTimer{},
		state: awaitingCryptoSelect,
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(8)) // not a method we provided
	_ = binary.Write(buf, binary.BigEndian, uint16(0))
	a.UnreadBytes(buf.Bytes())

	require.Equal(t, readErr, h.readCryptoSelect())
	assert.Equal(t, errCryptoNotAgreed, h.err)
}

func exchangedDHPair(t *testing.T) (a, b *mse.DH) {
	t.Helper()
	ka, err := mse.GeneratePrivateKey()
	require.NoError(t, err)
	kb, err := mse.GeneratePrivateKey()
	require.NoError(t, err)
	a = mse.NewDH(ka)
	b = mse.NewDH(kb)
	a.SetPeerPublicKey(b.PublicKey())
	b.SetPeerPublicKey(a.PublicKey())
	return a, b
}

func TestPadCLengthBound(t *testing.T) {
	dhPeer, dhLocal := exchangedDHPair(t)
	bMed := newTestMediator(t, testInfoHash, peerIDB)

	_, b := peerio.NewPipe()
	t.Cleanup(func() { b.Close() })

	h := &Handshake{
		mediator: bMed,
		io:       b,
		mode:     EncryptionPreferred,
		dh:       dhLocal,
		log:      logger.New("test"),
		timer:    fakeTimer{},
		state:    awaitingCryptoProvide,
	}

	// obfuscated hash: HASH('req2', SKEY) xor HASH('req3', S)
	req2 := mse.HashSKey(testInfoHash[:])
	req3 := mse.HashReq3(dhPeer.Secret())
	wire := make([]byte, 0, 34)
	for i := range req2 {
		wire = append(wire, req2[i]^req3[i])
	}

	enc, err := mse.NewEncryptFilter(false, dhPeer, testInfoHash[:])
	require.NoError(t, err)
	payload := new(bytes.Buffer)
	payload.Write(make([]byte, 8)) // VC
	_ = binary.Write(payload, binary.BigEndian, uint32(mse.RC4|mse.PlainText))
	_ = binary.Write(payload, binary.BigEndian, uint16(513)) // PadC too big
	encrypted := payload.Bytes()
	enc.Apply(encrypted)
	wire = append(wire, encrypted...)
	b.UnreadBytes(wire)

	require.Equal(t, readErr, h.readCryptoProvide())
	assert.Equal(t, errPadTooLong, h.err)
}

func TestVcScanWindow(t *testing.T) {
	_, dhLocal := exchangedDHPair(t)

	a, _ := peerio.NewPipe()
	t.Cleanup(func() { a.Close() })
	a.SetTorrentHash(testInfoHash)

	h := &Handshake{
		io:    a,
		mode:  EncryptionPreferred,
		dh:    dhLocal,
		log:   logger.New("test"),
		timer: fakeTimer{},
		state: awaitingVc,
	}
	a.UnreadBytes(bytes.Repeat([]byte{0xAA}, 520))

	require.Equal(t, readErr, h.readVc())
	assert.Equal(t, errVcNotFound, h.err)
}

// buildPlainHandshake returns a 68-byte BT handshake for scripted peers.
func buildPlainHandshake(infoHash, peerID [20]byte) []byte {
	msg := make([]byte, 0, 68)
	msg = append(msg, handshakeMagic...)
	msg = append(msg, make([]byte, 8)...)
	msg = append(msg, infoHash[:]...)
	msg = append(msg, peerID[:]...)
	return msg
}

func TestEncryptionFallback(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)

	a, b := peerio.NewPipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	a.SetTorrentHash(testInfoHash)
	reconnected := make(chan struct{})
	a.ReconnectFunc = func() error {
		// a fresh connection: the remote end forgets what it has seen
		b.ReadBufferDrain(b.ReadBufferSize())
		close(reconnected)
		return nil
	}

	aC := make(chan hsResult, 1)
	ha := New(aMed, a, EncryptionPreferred, func(_ peerio.IO, id [20]byte, ok bool) { aC <- hsResult{peerID: id, ok: ok} })
	a.Run()
	b.Run()

	// the peer can't make sense of Ya and resets the connection
	waitBuffered(t, b, mse.PublicKeySize)
	a.InjectError(syscall.ECONNRESET)
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect after the error")
	}

	// after the reconnect, a plain handshake arrives
	waitBuffered(t, b, 68)
	got := make([]byte, 68)
	b.ReadBytes(got)
	require.True(t, bytes.HasPrefix(got, handshakeMagic))
	b.Write(buildPlainHandshake(testInfoHash, peerIDB))

	aRes := waitResult(t, aC, "outgoing handshake")
	require.True(t, aRes.ok)
	assert.Equal(t, peerIDB, aRes.peerID)
	assert.False(t, ha.Encrypted())
}

func TestUTPFallback(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)

	a, b := peerio.NewPipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	a.SetTorrentHash(testInfoHash)
	a.UTP = true
	reconnected := make(chan struct{})
	a.ReconnectFunc = func() error {
		b.ReadBufferDrain(b.ReadBufferSize())
		close(reconnected)
		return nil
	}

	aC := make(chan hsResult, 1)
	_ = New(aMed, a, EncryptionPreferred, func(_ peerio.IO, id [20]byte, ok bool) { aC <- hsResult{peerID: id, ok: ok} })
	a.Run()
	b.Run()

	waitBuffered(t, b, mse.PublicKeySize)
	a.InjectError(syscall.ETIMEDOUT)
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect after the error")
	}

	waitBuffered(t, b, 68)
	got := make([]byte, 68)
	b.ReadBytes(got)
	require.True(t, bytes.HasPrefix(got, handshakeMagic))
	b.Write(buildPlainHandshake(testInfoHash, peerIDB))

	aRes := waitResult(t, aC, "outgoing handshake")
	require.True(t, aRes.ok)

	aMed.mu.Lock()
	defer aMed.mu.Unlock()
	require.Len(t, aMed.utpFailed, 1)
	assert.Equal(t, a.Addr(), aMed.utpFailed[0])
}

func TestSeedToSeed(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	aMed.timeout = 300 * time.Millisecond
	bMed := newTestMediator(t, testInfoHash, peerIDB)
	bMed.infos[testInfoHash].IsDone = true
	bMed.seeds = true

	_, _, _, hb, aRes, bRes := runPair(t, aMed, bMed, EncryptionPreferred, EncryptionPreferred)

	require.False(t, aRes.ok)
	require.False(t, bRes.ok)
	assert.Equal(t, errSeedToSeed, hb.Err())
}

func TestUnknownObfuscatedHash(t *testing.T) {
	aMed := newTestMediator(t, testInfoHash, peerIDA)
	aMed.timeout = 300 * time.Millisecond
	otherHash := testInfoHash
	otherHash[0]++
	bMed := newTestMediator(t, otherHash, peerIDB)
	bMed.timeout = 300 * time.Millisecond

	_, _, _, hb, aRes, bRes := runPair(t, aMed, bMed, EncryptionPreferred, EncryptionPreferred)

	require.False(t, aRes.ok)
	require.False(t, bRes.ok)
	assert.Equal(t, errBadTorrent, hb.Err())
}
