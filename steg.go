package chop

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// StegStatus is the result of asking a steg module to extract hidden
// bytes from the inbound carrier stream.
type StegStatus int

const (
	// StegGood means every complete carrier was drained and its hidden
	// payload appended to the destination buffer.
	StegGood StegStatus = iota
	// StegIncomplete means a carrier is only partially buffered; call
	// again when more bytes arrive.
	StegIncomplete
	// StegBad means the carrier stream is unparseable and the
	// connection cannot be trusted any further.
	StegBad
)

// String returns a human-readable representation of the status.
func (s StegStatus) String() string {
	switch s {
	case StegGood:
		return "good"
	case StegIncomplete:
		return "incomplete"
	case StegBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Steg hides chop blocks inside innocuous-looking carriers on one
// downstream connection. This capability set is everything the engine
// needs from a steganography module; the module in turn may steer the
// connection through CeaseTransmission, TransmitSoon, and ExpectClose.
type Steg interface {
	// Cfg returns the module configuration, used for its name in logs.
	Cfg() StegConfig

	// TransmitRoom is an upper bound on the total block bytes that can
	// be embedded in the next carrier this module would emit right now.
	// May be zero.
	TransmitRoom() int

	// Transmit consumes one complete framed and sealed block and writes
	// a carrier holding it to the connection's outbound buffer.
	Transmit(block []byte) error

	// Receive drains as many whole carriers as possible from the
	// connection's inbound buffer, appending the extracted hidden bytes
	// to dst.
	Receive(dst *bytes.Buffer) StegStatus
}

// StegConfig is the per-(configuration, downstream-address) state of a
// steg module, from which per-connection instances are created.
type StegConfig interface {
	// Name returns the module name as given on the command line.
	Name() string

	// New creates the module instance for a single connection.
	New(conn *Conn) (Steg, error)
}

// stegModule constructs a module's StegConfig for a transport
// configuration.
type stegModule func(cfg *Config) StegConfig

var (
	stegMu      sync.Mutex
	stegModules = make(map[string]stegModule)
)

// RegisterSteg makes a steg module available by name. Modules register
// from init functions; registering a duplicate name panics.
func RegisterSteg(name string, mod stegModule) {
	stegMu.Lock()
	defer stegMu.Unlock()
	if _, dup := stegModules[name]; dup {
		panic(fmt.Sprintf("steg module %q registered twice", name))
	}
	stegModules[name] = mod
}

// StegSupported reports whether a module with the given name exists.
func StegSupported(name string) bool {
	stegMu.Lock()
	defer stegMu.Unlock()
	_, ok := stegModules[name]
	return ok
}

// StegModuleNames lists the registered modules in sorted order.
func StegModuleNames() []string {
	stegMu.Lock()
	defer stegMu.Unlock()
	names := make([]string, 0, len(stegModules))
	for name := range stegModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newStegConfig instantiates the named module for a configuration.
func newStegConfig(name string, cfg *Config) (StegConfig, error) {
	stegMu.Lock()
	mod, ok := stegModules[name]
	stegMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("steganographer %q not supported", name)
	}
	return mod(cfg), nil
}

// The roundrobin module does no hiding at all: the carrier is the block
// itself. It enforces a strict request/response shape: the client may
// transmit once per connection, and the server may answer exactly once
// per request. That shape exercises the same engine paths an HTTP-like
// cover needs (mandatory replies, cease-transmission, expect-close)
// without any actual steganography.
type roundrobinConfig struct {
	cfg *Config
}

func init() {
	RegisterSteg("roundrobin", func(cfg *Config) StegConfig {
		return &roundrobinConfig{cfg: cfg}
	})
}

func (rc *roundrobinConfig) Name() string {
	return "roundrobin"
}

func (rc *roundrobinConfig) New(conn *Conn) (Steg, error) {
	return &roundrobinSteg{
		config: rc,
		conn:   conn,
		// the server speaks only after it has been spoken to
		canTransmit: rc.cfg.Mode != ModeServer,
	}, nil
}

type roundrobinSteg struct {
	config *roundrobinConfig
	conn   *Conn

	canTransmit bool
	didTransmit bool
}

func (s *roundrobinSteg) Cfg() StegConfig {
	return s.config
}

func (s *roundrobinSteg) TransmitRoom() int {
	if !s.canTransmit {
		return 0
	}
	return MaxBlockSize
}

func (s *roundrobinSteg) Transmit(block []byte) error {
	if !s.canTransmit {
		return fmt.Errorf("roundrobin: transmit out of turn")
	}

	log.Debug().
		Int("bytes", len(block)).
		Msg("roundrobin transmitting")

	if _, err := s.conn.outbound.Write(block); err != nil {
		return fmt.Errorf("roundrobin: stage carrier: %w", err)
	}

	s.didTransmit = true
	s.canTransmit = false
	s.conn.CeaseTransmission()
	return nil
}

func (s *roundrobinSteg) Receive(dst *bytes.Buffer) StegStatus {
	src := &s.conn.inbound

	log.Debug().
		Str("mode", s.config.cfg.Mode.String()).
		Int("bytes", src.Len()).
		Msg("roundrobin receiving")

	if _, err := dst.Write(src.Next(src.Len())); err != nil {
		return StegBad
	}

	if s.config.cfg.Mode != ModeServer {
		s.conn.ExpectClose()
	} else if !s.didTransmit {
		s.canTransmit = true
		s.conn.TransmitSoon(100)
	}

	return StegGood
}
