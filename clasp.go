// Package clasp implements the BitTorrent peer handshake: the plain
// protocol handshake, Message Stream Encryption negotiation, and the
// retry policy between them.
package clasp

import (
	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/log"
)

// Version of the library.
const Version = "0.1.0"

// SetLogLevel sets the level of the global logger.
func SetLogLevel(l log.Level) {
	logger.SetLevel(l)
}
