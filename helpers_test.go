package chop

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testSteg is a transparent steg module for exercising the engine: the
// carrier is the block itself, and the available room is whatever the
// test says it is. Room can be made single-shot so the scheduler is
// forced to spread blocks across connections the way a real
// request/response cover would.
type testStegConfig struct {
	cfg *Config

	room      int
	oneShot   bool // room drops to zero after each transmission
	replySoon bool // server side demands a reply until it has transmitted
}

func (tc *testStegConfig) Name() string { return "teststeg" }

func (tc *testStegConfig) New(conn *Conn) (Steg, error) {
	return &testSteg{config: tc, conn: conn, room: tc.room}, nil
}

type testSteg struct {
	config *testStegConfig
	conn   *Conn

	room        int
	didTransmit bool
}

func (s *testSteg) Cfg() StegConfig { return s.config }

func (s *testSteg) TransmitRoom() int { return s.room }

func (s *testSteg) Transmit(block []byte) error {
	s.conn.outbound.Write(block)
	s.didTransmit = true
	if s.config.oneShot {
		s.room = 0
	}
	return nil
}

func (s *testSteg) Receive(dst *bytes.Buffer) StegStatus {
	src := &s.conn.inbound
	dst.Write(src.Next(src.Len()))
	if s.config.replySoon && s.config.cfg.Mode == ModeServer && !s.didTransmit {
		s.conn.TransmitSoon(5)
	}
	return StegGood
}

// setRoom refills a connection's transmit room under the engine lock.
func setRoom(cfg *Config, conn *Conn, room int) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	conn.steg.(*testSteg).room = room
}

// sinkUpstream collects what a circuit delivers to its upstream.
type sinkUpstream struct {
	mu  sync.Mutex
	buf bytes.Buffer
	eof bool
}

func (s *sinkUpstream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *sinkUpstream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	return nil
}

func (s *sinkUpstream) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *sinkUpstream) sawEOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

// testClient is a client endpoint with one circuit and one attached
// downstream per steg config.
type testClient struct {
	cfg   *Config
	ckt   *Circuit
	conns []*Conn
	sink  *sinkUpstream
}

func newTestClient(t *testing.T, stegs ...*testStegConfig) *testClient {
	t.Helper()

	cfg := NewConfig()
	cfg.Mode = ModeClient
	for _, sc := range stegs {
		sc.cfg = cfg
		cfg.Downstreams = append(cfg.Downstreams, DownstreamSpec{Addr: "inproc", Steg: sc})
	}

	ckt, err := cfg.NewCircuit()
	require.NoError(t, err)

	sink := &sinkUpstream{}
	ckt.AttachUpstream(sink)

	tc := &testClient{cfg: cfg, ckt: ckt, sink: sink}
	for i := range stegs {
		conn, err := cfg.NewConn(i, "127.0.0.1:1000")
		require.NoError(t, err)
		ckt.AddDownstream(conn)
		tc.conns = append(tc.conns, conn)
	}
	return tc
}

// testServer is a server endpoint; connections are created on demand as
// carriers arrive, the way the accept loop would.
type testServer struct {
	cfg   *Config
	sink  *sinkUpstream
	conns []*Conn
}

func newTestServer(t *testing.T, stegs ...*testStegConfig) *testServer {
	t.Helper()

	cfg := NewConfig()
	cfg.Mode = ModeServer
	for _, sc := range stegs {
		sc.cfg = cfg
		cfg.Downstreams = append(cfg.Downstreams, DownstreamSpec{Addr: "inproc", Steg: sc})
	}

	sink := &sinkUpstream{}
	cfg.OpenUpstream = func(ckt *Circuit) error {
		ckt.attachUpstreamLocked(sink)
		return nil
	}
	return &testServer{cfg: cfg, sink: sink}
}

// accept creates the server-side connection for downstream slot index.
func (ts *testServer) accept(t *testing.T, index int) *Conn {
	t.Helper()
	conn, err := ts.cfg.NewConn(index, "127.0.0.1:2000")
	require.NoError(t, err)
	ts.conns = append(ts.conns, conn)
	return conn
}

// circuit returns the single live server circuit, if any.
func (ts *testServer) circuit() *Circuit {
	ts.cfg.mu.Lock()
	defer ts.cfg.mu.Unlock()
	for _, ckt := range ts.cfg.circuits {
		if ckt != nil {
			return ckt
		}
	}
	return nil
}

// deliver moves staged carrier bytes from one connection to its peer.
// Returns how many bytes moved.
func deliver(t *testing.T, from, to *Conn) int {
	t.Helper()
	data := from.TakeOutbound()
	if len(data) == 0 {
		return 0
	}
	require.NoError(t, to.Receive(data))
	return len(data)
}
