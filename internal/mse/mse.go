// Package mse (Message Stream Encryption) implements the cryptographic
// framing used by the BitTorrent stream-encryption handshake:
// a 768-bit Diffie-Hellman exchange, SHA-1 tagged digests of the shared
// secret, and per-direction RC4 keystreams that can be installed on a
// connection in the middle of the byte stream.
//
// The major design goal of the protocol was payload and protocol
// obfuscation, not peer authentication or data integrity. Fast methods
// were chosen over maximum-security algorithms.
//
// See http://wiki.vuze.com/w/Message_Stream_Encryption for details.
package mse

import (
	"crypto/rand"
	"crypto/rc4"  // nolint: gosec
	"crypto/sha1" // nolint: gosec
	"math/big"
)

// PublicKeySize is the length of a DH public key on the wire.
const PublicKeySize = 96

var (
	pBytes = []byte{255, 255, 255, 255, 255, 255, 255, 255, 201, 15, 218, 162, 33, 104, 194, 52, 196, 198, 98, 139, 128, 220, 28, 209, 41, 2, 78, 8, 138, 103, 204, 116, 2, 11, 190, 166, 59, 19, 155, 34, 81, 74, 8, 121, 142, 52, 4, 221, 239, 149, 25, 179, 205, 58, 67, 27, 48, 43, 10, 109, 242, 95, 20, 55, 79, 225, 53, 109, 109, 81, 194, 69, 228, 133, 181, 118, 98, 94, 126, 198, 244, 76, 66, 233, 166, 58, 54, 33, 0, 0, 0, 0, 0, 9, 5, 99}
	p      = new(big.Int)
	g      = big.NewInt(2)
)

func init() { p.SetBytes(pBytes) }

// CryptoMethod is 32-bit bitfield each bit representing a single crypto method.
type CryptoMethod uint32

// Crypto methods
const (
	PlainText CryptoMethod = 1 << iota
	RC4
)

func (c CryptoMethod) String() string {
	switch c {
	case PlainText:
		return "PlainText"
	case RC4:
		return "RC4"
	default:
		return "unknown"
	}
}

// DH holds one side's ephemeral key pair and, after SetPeerPublicKey,
// the shared secret S.
type DH struct {
	private *big.Int
	public  *big.Int
	secret  *big.Int
}

// GeneratePrivateKey returns a new random DH private key.
func GeneratePrivateKey() (*big.Int, error) {
	b := make([]byte, 20)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	var n big.Int
	return n.SetBytes(b), nil
}

// NewDH returns a DH context for the given private key.
func NewDH(private *big.Int) *DH {
	var public big.Int
	public.Exp(g, private, p)
	return &DH{private: private, public: &public}
}

// PublicKey returns the local public key as 96 big-endian bytes.
func (d *DH) PublicKey() []byte {
	return bytesWithPad(d.public)
}

// SetPeerPublicKey computes the shared secret from the peer's public key.
// pub must be 96 bytes, big-endian.
func (d *DH) SetPeerPublicKey(pub []byte) {
	var y big.Int
	y.SetBytes(pub)
	d.secret = y.Exp(&y, d.private, p)
}

// Secret returns the shared secret S, or nil before SetPeerPublicKey.
func (d *DH) Secret() *big.Int {
	return d.secret
}

// Filter is an RC4 keystream for one direction of a connection.
// The first 1024 bytes of the keystream are discarded per the MSE spec.
type Filter struct {
	c *rc4.Cipher
}

// NewEncryptFilter returns the keystream that encrypts outgoing bytes.
// The initiator encrypts with "keyA", the responder with "keyB".
func NewEncryptFilter(incoming bool, d *DH, sKey []byte) (*Filter, error) {
	prefix := "keyA"
	if incoming {
		prefix = "keyB"
	}
	return newFilter(prefix, d.secret, sKey)
}

// NewDecryptFilter returns the keystream that decrypts incoming bytes.
// It is the mirror of the remote side's encrypt filter.
func NewDecryptFilter(incoming bool, d *DH, sKey []byte) (*Filter, error) {
	prefix := "keyB"
	if incoming {
		prefix = "keyA"
	}
	return newFilter(prefix, d.secret, sKey)
}

func newFilter(prefix string, s *big.Int, sKey []byte) (*Filter, error) {
	c, err := rc4.NewCipher(rc4Key(prefix, s, sKey)) // nolint: gosec
	if err != nil {
		return nil, err
	}
	var discard [1024]byte
	c.XORKeyStream(discard[:], discard[:])
	return &Filter{c: c}, nil
}

// Apply XORs p with the keystream in place.
func (f *Filter) Apply(p []byte) {
	f.c.XORKeyStream(p, p)
}

// HashReq1 returns SHA1("req1", S). The initiator sends it in plaintext
// so the responder can locate the end of PadA.
func HashReq1(s *big.Int) [20]byte {
	return hashInt("req1", s)
}

// HashSKey returns SHA1("req2", key).
func HashSKey(key []byte) [20]byte {
	var sum [20]byte
	h := sha1.New() // nolint: gosec
	_, _ = h.Write([]byte("req2"))
	_, _ = h.Write(key)
	copy(sum[:], h.Sum(nil))
	return sum
}

// HashReq3 returns SHA1("req3", S), the mask that obfuscates the SKEY hash.
func HashReq3(s *big.Int) [20]byte {
	return hashInt("req3", s)
}

func hashInt(prefix string, i *big.Int) [20]byte {
	var sum [20]byte
	h := sha1.New() // nolint: gosec
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write(bytesWithPad(i))
	copy(sum[:], h.Sum(nil))
	return sum
}

func rc4Key(prefix string, s *big.Int, sKey []byte) []byte {
	h := sha1.New() // nolint: gosec
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write(bytesWithPad(s))
	_, _ = h.Write(sKey)
	return h.Sum(nil)
}

// bytesWithPad adds padding in front of the bytes to fill 96 bytes.
func bytesWithPad(key *big.Int) []byte {
	b := key.Bytes()
	pad := PublicKeySize - len(b)
	if pad > 0 {
		b2 := make([]byte, PublicKeySize)
		copy(b2[pad:], b)
		b = b2
	}
	return b
}

// Pad returns random padding of random length in [0, 512).
func Pad() ([]byte, error) {
	padLen, err := rand.Int(rand.Reader, big.NewInt(512))
	if err != nil {
		return nil, err
	}
	b := make([]byte, int(padLen.Int64()))
	_, err = rand.Read(b)
	return b, err
}
