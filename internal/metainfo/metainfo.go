// Package metainfo provides support for reading the parts of a torrent
// file the handshake needs: the info hash and the torrent's name.
package metainfo

import (
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// MetaInfo is a parsed torrent file.
type MetaInfo struct {
	Info     Info
	Announce string
}

// New reads a torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var m struct {
		Info     bencode.RawMessage `bencode:"info"`
		Announce string             `bencode:"announce"`
	}
	if err := bencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	if len(m.Info) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	info, err := NewInfo(m.Info)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{Info: *info, Announce: m.Announce}, nil
}
