package peerio

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/clasp/internal/mse"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dhPair(t *testing.T) (a, b *mse.DH) {
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

func waitReadable(t *testing.T, io IO, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for io.ReadBufferSize() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d bytes, have %d", n, io.ReadBufferSize())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeDelivery(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	readable := make(chan struct{}, 1)
	b.SetCallbacks(func() { readable <- struct{}{} }, nil)
	a.Run()
	b.Run()

	a.Write([]byte("hello"))
	select {
	case <-readable:
	case <-time.After(5 * time.Second):
		t.Fatal("can-read callback did not fire")
	}
	require.Equal(t, 5, b.ReadBufferSize())
	require.True(t, b.ReadBufferStartsWith([]byte("hel")))

	p := make([]byte, 5)
	b.ReadBytes(p)
	assert.Equal(t, "hello", string(p))
	assert.Equal(t, 0, b.ReadBufferSize())
}

func TestPipeCipher(t *testing.T) {
	dhA, dhB := dhPair(t)
	sKey := []byte("skey")

	a, b := NewPipe()
	defer a.Close()
	defer b.Close()
	a.Run()
	b.Run()

	a.EncryptInit(a.IsIncoming(), dhA, sKey)
	b.DecryptInit(b.IsIncoming(), dhB, sKey)

	a.Write([]byte("secret message"))
	waitReadable(t, b, 14)

	// buffered bytes are ciphertext
	require.False(t, b.ReadBufferStartsWith([]byte("secret")))

	p := make([]byte, 14)
	b.ReadBytes(p)
	assert.Equal(t, "secret message", string(p))
}

func TestDrainAdvancesKeystream(t *testing.T) {
	dhA, dhB := dhPair(t)
	sKey := []byte("skey")

	a, b := NewPipe()
	defer a.Close()
	defer b.Close()
	a.Run()
	b.Run()

	a.EncryptInit(a.IsIncoming(), dhA, sKey)
	b.DecryptInit(b.IsIncoming(), dhB, sKey)

	a.Write([]byte("0123456789"))
	waitReadable(t, b, 10)

	b.ReadBufferDrain(4)
	p := make([]byte, 6)
	b.ReadBytes(p)
	assert.Equal(t, "456789", string(p))
}

func TestUnreadBytes(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()
	a.Run()
	b.Run()

	a.Write([]byte("world"))
	waitReadable(t, b, 5)
	b.UnreadBytes([]byte("hello "))

	p := make([]byte, 11)
	b.ReadBytes(p)
	assert.Equal(t, "hello world", string(p))
}

func TestPipeReconnect(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()

	require.Error(t, a.Reconnect()) // no hook installed

	called := false
	a.ReconnectFunc = func() error { called = true; return nil }
	require.NoError(t, a.Reconnect())
	assert.True(t, called)
	assert.Equal(t, 0, a.ReadBufferSize())
}

func TestConnOverTCP(t *testing.T) {
	defer leaktest.Check(t)()

	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer l.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptedC := make(chan accepted, 1)
	go func() {
		conn, err := l.Accept()
		acceptedC <- accepted{conn: conn, err: err}
	}()

	out, err := Dial(l.Addr(), 5*time.Second, nil, nil)
	require.NoError(t, err)
	defer out.Close()

	acc := <-acceptedC
	require.NoError(t, acc.err)
	in := New(acc.conn, true, nil, nil)
	defer in.Close()

	require.False(t, out.IsIncoming())
	require.True(t, in.IsIncoming())
	require.False(t, out.IsUTP())

	readable := make(chan struct{}, 8)
	in.SetCallbacks(func() { readable <- struct{}{} }, nil)
	out.Run()
	in.Run()

	out.Write([]byte("ping"))
	select {
	case <-readable:
	case <-time.After(5 * time.Second):
		t.Fatal("no can-read callback")
	}
	waitReadable(t, in, 4)
	p := make([]byte, 4)
	in.ReadBytes(p)
	assert.Equal(t, "ping", string(p))

	errC := make(chan error, 1)
	in.SetCallbacks(nil, func(err error) { errC <- err })
	out.Close()
	select {
	case err := <-errC:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error callback after close")
	}
}

func TestPipeTorrentHashAndFlags(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()

	var ih [20]byte
	ih[0] = 0x0E
	a.SetTorrentHash(ih)
	assert.Equal(t, ih, a.TorrentHash())

	a.EnableDHT(true)
	a.EnableLTEP(true)
	a.EnableFEXT(false)
	assert.True(t, a.DHTEnabled())
	assert.True(t, a.LTEPEnabled())
	assert.False(t, a.FEXTEnabled())
}
