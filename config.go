package clasp

import (
	"io/ioutil"
	"os"

	"github.com/cenkalti/clasp/internal/handshake"
	"gopkg.in/yaml.v2"
)

// Config holds the knobs of the handshake layer.
type Config struct {
	Port       int
	DHT        bool
	TCP        bool
	Encryption struct {
		DisableOutgoing bool `yaml:"disable_outgoing"`
		ForceOutgoing   bool `yaml:"force_outgoing"`
		ForceIncoming   bool `yaml:"force_incoming"`
	}
	// Rate limits are in bytes per second. Zero means unlimited.
	DownloadRateLimit int64 `yaml:"download_rate_limit"`
	UploadRateLimit   int64 `yaml:"upload_rate_limit"`
}

// DefaultConfig for the handshake layer.
var DefaultConfig = Config{
	Port: 6881,
	DHT:  true,
	TCP:  true,
}

// OutgoingMode returns the encryption mode to use when dialing peers.
func (c *Config) OutgoingMode() handshake.EncryptionMode {
	switch {
	case c.Encryption.ForceOutgoing:
		return handshake.EncryptionRequired
	case c.Encryption.DisableOutgoing:
		return handshake.ClearPreferred
	default:
		return handshake.EncryptionPreferred
	}
}

// IncomingMode returns the encryption mode to use for accepted peers.
func (c *Config) IncomingMode() handshake.EncryptionMode {
	if c.Encryption.ForceIncoming {
		return handshake.EncryptionRequired
	}
	return handshake.EncryptionPreferred
}

// LoadConfig reads the config from a YAML file. A missing file returns
// the defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(filename string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, b, 0o644)
}
