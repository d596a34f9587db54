// Command clasp-probe connects to the given peers and reports which
// handshake variants they accept for a torrent.
package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/clasp"
	"github.com/cenkalti/clasp/internal/handshake"
	"github.com/cenkalti/clasp/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/clasp/internal/logger"
	"github.com/cenkalti/clasp/internal/metainfo"
	"github.com/cenkalti/clasp/internal/mse"
	"github.com/cenkalti/log"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := cli.NewApp()
	app.Name = "clasp-probe"
	app.Usage = "probe BitTorrent peers' handshake support"
	app.Version = clasp.Version
	app.ArgsUsage = "PEER_ADDR [PEER_ADDR...]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "config file",
		},
		cli.StringFlag{
			Name:  "torrent, t",
			Usage: "torrent file the peers are probed for",
		},
		cli.StringFlag{
			Name:  "encryption, e",
			Value: "prefer",
			Usage: "encryption mode: clear, prefer or require",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "dial timeout per peer",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Action = probe
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func probe(c *cli.Context) error {
	if c.Bool("debug") {
		clasp.SetLogLevel(log.DEBUG)
	}
	if c.String("torrent") == "" {
		return errors.New("give a torrent file with -t")
	}
	if c.NArg() == 0 {
		return errors.New("give at least one peer address")
	}

	cfg := &clasp.DefaultConfig
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = clasp.LoadConfig(path)
		if err != nil {
			return err
		}
	}

	mode, err := parseMode(c.String("encryption"))
	if err != nil {
		return err
	}

	f, err := os.Open(c.String("torrent"))
	if err != nil {
		return err
	}
	mi, err := metainfo.New(f)
	f.Close()
	if err != nil {
		return err
	}
	fmt.Printf("torrent: %s (%x)\n", mi.Info.Name, mi.Info.Hash)

	med, err := newMediator(mi.Info.Hash, cfg.DHT)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, arg := range c.Args() {
		arg := arg
		g.Go(func() error {
			addr, err := net.ResolveTCPAddr("tcp", arg)
			if err != nil {
				return err
			}
			oh := outgoinghandshaker.New(addr)
			resultC := make(chan *outgoinghandshaker.OutgoingHandshaker, 1)
			go oh.Run(med, mi.Info.Hash, mode, c.Duration("timeout"), nil, nil, resultC)
			res := <-resultC
			if res.Error != nil {
				fmt.Printf("%-21s handshake failed: %s\n", arg, res.Error)
				return nil
			}
			fmt.Printf("%-21s ok (encrypted=%v client=%q)\n", arg, res.Encrypted, res.PeerID[:8])
			res.Conn.Close()
			return nil
		})
	}
	return g.Wait()
}

func parseMode(s string) (handshake.EncryptionMode, error) {
	switch s {
	case "clear":
		return handshake.ClearPreferred, nil
	case "prefer":
		return handshake.EncryptionPreferred, nil
	case "require":
		return handshake.EncryptionRequired, nil
	default:
		return 0, fmt.Errorf("unknown encryption mode: %q", s)
	}
}

// mediator serves a single torrent to outgoing handshakes.
type mediator struct {
	privateKey *big.Int
	info       handshake.TorrentInfo
	allowsDHT  bool

	mu sync.Mutex
}

func newMediator(infoHash [20]byte, allowsDHT bool) (*mediator, error) {
	key, err := mse.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}
	logger.New("probe").Debugf("our peer-id is %q", peerID[:])
	return &mediator{
		privateKey: key,
		info: handshake.TorrentInfo{
			InfoHash:     infoHash,
			ID:           1,
			ClientPeerID: peerID,
		},
		allowsDHT: allowsDHT,
	}, nil
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-CP"+versionTag()+"-")
	_, err := rand.Read(id[8:])
	return id, err
}

func versionTag() string {
	// Azureus-style four digit version
	return "0010"
}

func (m *mediator) PrivateKey() *big.Int { return m.privateKey }

func (m *mediator) TorrentInfo(infoHash [20]byte) *handshake.TorrentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if infoHash == m.info.InfoHash {
		info := m.info
		return &info
	}
	return nil
}

func (m *mediator) TorrentInfoFromObfuscated(obfuscated [20]byte) *handshake.TorrentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obfuscated == mse.HashSKey(m.info.InfoHash[:]) {
		info := m.info
		return &info
	}
	return nil
}

func (m *mediator) IsPeerKnownSeed(torrentID int, addr net.Addr) bool { return false }
func (m *mediator) AllowsDHT() bool                                   { return m.allowsDHT }
func (m *mediator) AllowsTCP() bool                                   { return true }
func (m *mediator) SetUTPFailed(infoHash [20]byte, addr net.Addr)     {}
func (m *mediator) TimerMaker() handshake.TimerFactory                { return handshake.SystemTimers }
