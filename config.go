package chop

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode selects which end of the transport this configuration drives.
type Mode int

const (
	// ModeClient listens for a plain upstream connection and multiplexes
	// it over dialed downstreams.
	ModeClient Mode = iota
	// ModeSocksClient is ModeClient fronted by a SOCKS5 listener.
	ModeSocksClient
	// ModeServer accepts downstreams and dials the upstream on demand.
	ModeServer
)

// String returns the mode's command-line spelling.
func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeSocksClient:
		return "socks"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// Default ports per mode, applied when the up address omits its port.
// Down addresses get no default.
const (
	DefaultClientPort = "48988"
	DefaultSocksPort  = "23548"
	DefaultServerPort = "11253"
)

// Tombstone handling for closed circuits. A destroyed circuit's id
// lingers in the table mapped to nil so that a straggler connection for
// it is absorbed quietly, the same job TIME_WAIT does for TCP. The hold
// time must exceed the peer's maximum flush interval or a late chaff
// connection would be mistaken for a fresh circuit.
const (
	tombstoneHold  = 30 * time.Minute
	sweepInterval  = 5 * time.Minute
	upstreamBufCap = 2 * SectionLen // circuit upstream staging ring
)

// DownstreamSpec pairs one downstream address with the steg module that
// disguises traffic on it.
type DownstreamSpec struct {
	Addr string
	Steg StegConfig
}

// Upstream is the cleartext stream a circuit serves: in-order delivered
// bytes go to Write, and CloseWrite propagates the peer's FIN.
// *net.TCPConn satisfies it directly.
type Upstream interface {
	Write(p []byte) (int, error)
	CloseWrite() error
}

// Config is one immutable transport configuration plus the mutable
// process-wide state that hangs off it: the circuit table, the live
// entity counts, and the shutdown latch.
//
// Concurrency: cfg.mu is the event loop. Every externally driven entry
// point (bytes arriving on a downstream socket, a timer firing, the
// upstream producing bytes or EOF) locks it before touching any
// circuit or connection, so the protocol state needs no further
// locking and there are no data races by construction.
type Config struct {
	Mode        Mode
	UpAddr      string
	Downstreams []DownstreamSpec

	// ConnLimits bounds downstream connection admission; mostly useful
	// on the server side. Set before the first connection is accepted.
	ConnLimits ConnLimitsConfig

	// ReopenDownstreams is the harness hook a client circuit calls when
	// it must transmit but has no connections left. May be nil.
	ReopenDownstreams func(*Circuit)

	// OpenUpstream is the harness hook the server side calls when a
	// handshake creates a fresh circuit. It runs with cfg.mu held, so
	// it must attach the upstream without re-entering locking entry
	// points (see Circuit.attachUpstreamLocked). May be nil: tests
	// attach upstreams directly.
	OpenUpstream func(*Circuit) error

	mu sync.Mutex

	circuits   map[uint32]*Circuit
	tombstones map[uint32]time.Time
	sweeper    *time.Timer

	liveCircuits int
	liveConns    int
	connSerial   uint32
	circSerial   uint32

	shuttingDown bool
	done         chan struct{}
	doneOnce     sync.Once

	limiterOnce sync.Once
	limiter     *connLimiter
}

// connLimiter returns the lazily built limiter for ConnLimits.
func (cfg *Config) connLimiter() *connLimiter {
	cfg.limiterOnce.Do(func() {
		cfg.limiter = newConnLimiter(cfg.ConnLimits)
	})
	return cfg.limiter
}

// ParseArgs builds a Config from the chop argument grammar:
//
//	chop <mode> <up_address> (<down_address> <steg>)...
//
// with mode one of client, socks, or server. Every down address needs a
// steganographer; the down address list is required even in socks mode.
// An up address without a port gets the mode's default port; a down
// address without a port is an error.
func ParseArgs(args []string) (*Config, error) {
	if len(args) < 4 {
		return nil, usageError("not enough parameters")
	}

	cfg := NewConfig()
	var defport string
	switch args[0] {
	case "client":
		cfg.Mode = ModeClient
		defport = DefaultClientPort
	case "socks":
		cfg.Mode = ModeSocksClient
		defport = DefaultSocksPort
	case "server":
		cfg.Mode = ModeServer
		defport = DefaultServerPort
	default:
		return nil, usageError(fmt.Sprintf("unknown mode %q", args[0]))
	}

	var err error
	cfg.UpAddr, err = resolveAddrPort(args[1], defport)
	if err != nil {
		return nil, usageError(fmt.Sprintf("invalid up address %q: %v", args[1], err))
	}

	// From here on, arguments alternate between downstream addresses
	// and steg module names.
	rest := args[2:]
	for i := 0; i < len(rest); i += 2 {
		addr, err := resolveAddrPort(rest[i], "")
		if err != nil {
			return nil, usageError(fmt.Sprintf("invalid down address %q: %v", rest[i], err))
		}
		if i+1 == len(rest) {
			return nil, usageError(fmt.Sprintf("missing steganographer for %s", rest[i]))
		}
		sc, err := newStegConfig(rest[i+1], cfg)
		if err != nil {
			return nil, usageError(err.Error())
		}
		cfg.Downstreams = append(cfg.Downstreams, DownstreamSpec{Addr: addr, Steg: sc})
	}

	return cfg, nil
}

func usageError(msg string) error {
	return fmt.Errorf("chop: %s\nusage: chop <mode> <up_address> (<down_address> <steg>)...\n"+
		"  mode ~ client|socks|server; a steganographer is required per down_address", msg)
}

// resolveAddrPort validates host:port syntax, supplying defport when
// the port is missing. Name resolution is left to dial/listen time.
func resolveAddrPort(addr, defport string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if defport == "" || strings.Contains(addr, ":") {
			return "", err
		}
		addr = net.JoinHostPort(addr, defport)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", err
		}
	}
	return addr, nil
}

// NewConfig returns an empty configuration with its circuit table
// initialised. Callers normally go through ParseArgs.
func NewConfig() *Config {
	return &Config{
		circuits:   make(map[uint32]*Circuit),
		tombstones: make(map[uint32]time.Time),
		done:       make(chan struct{}),
	}
}

// Done is closed once shutdown has been requested and the last circuit
// and connection have gone away.
func (cfg *Config) Done() <-chan struct{} {
	return cfg.done
}

// StartShutdown begins process teardown. Non-barbaric shutdown refuses
// new circuits and lets existing ones run to completion; barbaric
// shutdown destroys every circuit immediately, cancelling timers and
// abandoning queued data.
func (cfg *Config) StartShutdown(barbaric bool) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	cfg.shuttingDown = true
	if barbaric {
		for id, ckt := range cfg.circuits {
			if ckt != nil {
				log.Warn().
					Uint32("circuit", id).
					Msg("barbaric shutdown: destroying circuit")
				ckt.destroy()
			}
		}
	}
	if cfg.sweeper != nil {
		cfg.sweeper.Stop()
		cfg.sweeper = nil
	}
	cfg.maybeFinishShutdown()
}

// maybeFinishShutdown closes the done latch when nothing is left alive.
// Caller holds cfg.mu.
func (cfg *Config) maybeFinishShutdown() {
	if cfg.shuttingDown && cfg.liveCircuits == 0 && cfg.liveConns == 0 {
		cfg.doneOnce.Do(func() { close(cfg.done) })
	}
}

// NewCircuit creates a client-side circuit: derives its cipher
// contexts, draws a random nonzero circuit id unique within the table,
// and installs it. The caller attaches the upstream and downstreams.
func (cfg *Config) NewCircuit() (*Circuit, error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if cfg.shuttingDown {
		return nil, fmt.Errorf("shutting down; refusing new circuit")
	}

	ckt, err := cfg.newCircuitLocked()
	if err != nil {
		return nil, err
	}

	for {
		var idb [4]byte
		if _, err := rand.Read(idb[:]); err != nil {
			return nil, fmt.Errorf("draw circuit id: %w", err)
		}
		id := binary.LittleEndian.Uint32(idb[:])
		if id == 0 {
			continue
		}
		if _, taken := cfg.circuits[id]; taken {
			continue
		}
		ckt.id = id
		break
	}

	cfg.circuits[ckt.id] = ckt
	cfg.scheduleSweepLocked()

	log.Debug().
		Uint32("circuit", ckt.id).
		Msg("created client circuit")
	return ckt, nil
}

// newCircuitLocked builds a circuit without installing it in the table.
// Caller holds cfg.mu.
func (cfg *Config) newCircuitLocked() (*Circuit, error) {
	crypto, err := newCircuitCrypto(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("derive circuit keys: %w", err)
	}

	cfg.circSerial++
	cfg.liveCircuits++
	return newCircuit(cfg, crypto, cfg.circSerial), nil
}

// lookupCircuit consults the table for a handshake id. stale means the
// id was seen before and its circuit is already gone. Caller holds
// cfg.mu.
func (cfg *Config) lookupCircuit(id uint32) (ckt *Circuit, stale bool) {
	ckt, seen := cfg.circuits[id]
	return ckt, seen && ckt == nil
}

// installCircuit creates and registers a server-side circuit for a
// newly seen handshake id, asking the harness to open the upstream.
// Caller holds cfg.mu.
func (cfg *Config) installCircuit(id uint32) (*Circuit, error) {
	if cfg.shuttingDown {
		return nil, fmt.Errorf("shutting down; refusing new circuit")
	}

	ckt, err := cfg.newCircuitLocked()
	if err != nil {
		return nil, err
	}
	ckt.id = id

	if cfg.OpenUpstream != nil {
		if err := cfg.OpenUpstream(ckt); err != nil {
			ckt.teardownLocked()
			return nil, fmt.Errorf("open upstream: %w", err)
		}
	}

	cfg.circuits[id] = ckt
	cfg.scheduleSweepLocked()

	log.Debug().
		Uint32("circuit", id).
		Msg("created server circuit")
	return ckt, nil
}

// retireCircuit tombstones a destroyed circuit's table entry. Caller
// holds cfg.mu.
func (cfg *Config) retireCircuit(ckt *Circuit) {
	if cur, ok := cfg.circuits[ckt.id]; ok && cur == ckt {
		cfg.circuits[ckt.id] = nil
		cfg.tombstones[ckt.id] = time.Now()
	}
	cfg.liveCircuits--
	cfg.maybeFinishShutdown()
}

// scheduleSweepLocked arms the tombstone sweeper if it is not already
// running. Caller holds cfg.mu.
func (cfg *Config) scheduleSweepLocked() {
	if cfg.sweeper != nil || cfg.shuttingDown {
		return
	}
	cfg.sweeper = time.AfterFunc(sweepInterval, cfg.sweepTombstones)
}

// sweepTombstones purges tombstones older than the hold time and
// re-arms itself while any table entries remain.
func (cfg *Config) sweepTombstones() {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	cutoff := time.Now().Add(-tombstoneHold)
	for id, when := range cfg.tombstones {
		if when.Before(cutoff) {
			delete(cfg.tombstones, id)
			delete(cfg.circuits, id)
		}
	}

	cfg.sweeper = nil
	if len(cfg.circuits) > 0 {
		cfg.scheduleSweepLocked()
	}
}

// CircuitCount reports the number of live circuits.
func (cfg *Config) CircuitCount() int {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	return cfg.liveCircuits
}

// ConnCount reports the number of live downstream connections.
func (cfg *Config) ConnCount() int {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	return cfg.liveConns
}
