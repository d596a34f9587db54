package metainfo

import (
	"crypto/sha1" // nolint: gosec

	"github.com/zeebo/bencode"
)

// Info contains the fields of the torrent's info dictionary that matter
// for connecting to peers.
type Info struct {
	Name    string             `bencode:"name"`
	Private bencode.RawMessage `bencode:"private"`

	// Hash is the SHA-1 of the raw info dictionary. It identifies the
	// torrent swarm.
	Hash [20]byte `bencode:"-"`

	private bool
}

// NewInfo returns Info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	// "private" may be encoded as an integer or a string
	if len(i.Private) > 0 {
		var intVal int64
		var stringVal string
		err := bencode.DecodeBytes(i.Private, &intVal)
		if err != nil {
			err = bencode.DecodeBytes(i.Private, &stringVal)
			if err == nil {
				i.private = stringVal == "1"
			}
		} else {
			i.private = intVal == 1
		}
	}
	hash := sha1.New()   // nolint: gosec
	_, _ = hash.Write(b) // nolint: gosec
	copy(i.Hash[:], hash.Sum(nil))
	return &i, nil
}

// IsPrivate returns true if the torrent is for a private tracker.
func (i *Info) IsPrivate() bool { return i.private }
