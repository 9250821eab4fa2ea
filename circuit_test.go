package chop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pick runs pickConnection under the engine lock.
func pick(tc *testClient, desired int) (*Conn, int) {
	tc.cfg.mu.Lock()
	defer tc.cfg.mu.Unlock()
	return tc.ckt.pickConnection(desired)
}

func TestPickConnectionBestFit(t *testing.T) {
	small := &testStegConfig{room: 100}
	large := &testStegConfig{room: 5000}
	tc := newTestClient(t, small, large)
	smallConn, largeConn := tc.conns[0], tc.conns[1]

	t.Run("smallest room that fits wins", func(t *testing.T) {
		conn, blocksize := pick(tc, 10)
		assert.Same(t, smallConn, conn)
		assert.Equal(t, 10+MinBlockSize, blocksize, "targabove gets the desired size")
	})

	t.Run("larger need moves to larger room", func(t *testing.T) {
		conn, blocksize := pick(tc, 200)
		assert.Same(t, largeConn, conn)
		assert.Equal(t, 200+MinBlockSize, blocksize)
	})

	t.Run("nothing fits whole: largest partial", func(t *testing.T) {
		conn, blocksize := pick(tc, 60000)
		assert.Same(t, largeConn, conn)
		assert.Equal(t, 5000, blocksize, "targbelow gets its whole room")
	})
}

func TestPickConnectionNoRoom(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: 0})

	conn, blocksize := pick(tc, 10)
	assert.Nil(t, conn)
	assert.Zero(t, blocksize)

	// Room at or below the block overhead is as good as none.
	setRoom(tc.cfg, tc.conns[0], MinBlockSize)
	conn, blocksize = pick(tc, 0)
	assert.Nil(t, conn)
	assert.Zero(t, blocksize)
}

func TestPickConnectionClampsDesired(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})

	// Even an absurd backlog asks for at most one full data section.
	conn, blocksize := pick(tc, 10*1024*1024)
	require.NotNil(t, conn)
	assert.Equal(t, SectionLen+MinBlockSize, blocksize)
}

func TestSendSeqMonotonic(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: 64})

	for i := 0; i < 5; i++ {
		require.NoError(t, tc.ckt.WriteUpstream([]byte("0123456789")))
	}

	tc.cfg.mu.Lock()
	seq := tc.ckt.sendSeq
	tc.cfg.mu.Unlock()
	assert.Equal(t, uint32(5), seq, "one increment per emitted block")
}

func TestFINPacksWithLastData(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})

	// EOF is already known when the data goes out, so a single block
	// carries both the payload and the FIN.
	tc.cfg.mu.Lock()
	tc.ckt.xmitPending.WriteString("hello, world!")
	tc.ckt.upstreamEOF = true
	err := tc.ckt.send()
	sentFin := tc.ckt.sentFin
	seq := tc.ckt.sendSeq
	tc.cfg.mu.Unlock()

	require.NoError(t, err)
	assert.True(t, sentFin)
	assert.Equal(t, uint32(1), seq, "exactly one block")
}

func TestFINAloneAfterData(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})

	require.NoError(t, tc.ckt.WriteUpstream([]byte("hello, world!")))
	require.NoError(t, tc.ckt.UpstreamEOF())

	tc.cfg.mu.Lock()
	seq := tc.ckt.sendSeq
	sentFin := tc.ckt.sentFin
	tc.cfg.mu.Unlock()

	assert.Equal(t, uint32(2), seq, "a DAT block, then a zero-data FIN")
	assert.True(t, sentFin)
}

func TestChaffWhenIdle(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})

	// A send pass with nothing queued still emits one minimum-size
	// block, so request/response covers keep their shape.
	tc.cfg.mu.Lock()
	err := tc.ckt.send()
	dead := tc.ckt.deadCycles
	tc.cfg.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), dead, "idle pass is a dead cycle")

	carrier := tc.conns[0].TakeOutbound()
	assert.Equal(t, HandshakeLen+MinBlockSize, len(carrier), "handshake plus one empty block")
}

func TestDeadCyclesResetByData(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})

	tc.cfg.mu.Lock()
	tc.ckt.send()
	tc.ckt.send()
	dead := tc.ckt.deadCycles
	tc.cfg.mu.Unlock()
	require.Equal(t, uint32(2), dead)

	require.NoError(t, tc.ckt.WriteUpstream([]byte("real data")))

	tc.cfg.mu.Lock()
	dead = tc.ckt.deadCycles
	tc.cfg.mu.Unlock()
	assert.Zero(t, dead)
}

func TestFlushIntervalBounds(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})

	for _, dead := range []uint32{0, 1, 5, 19, 50, 1000} {
		tc.cfg.mu.Lock()
		tc.ckt.deadCycles = dead
		tc.cfg.mu.Unlock()

		for i := 0; i < 64; i++ {
			d := tc.ckt.flushInterval()
			assert.GreaterOrEqual(t, d, time.Duration(minFlushInterval)*time.Millisecond,
				"deadCycles=%d", dead)
			assert.Less(t, d, axeInterval,
				"flush interval must stay under the peer's axe interval (deadCycles=%d)", dead)
		}
	}
}

func TestSendWithNoDownstreams(t *testing.T) {
	cfg := NewConfig()
	cfg.Mode = ModeClient
	sc := &testStegConfig{room: MaxBlockSize}
	sc.cfg = cfg
	cfg.Downstreams = append(cfg.Downstreams, DownstreamSpec{Addr: "inproc", Steg: sc})

	reopened := make(chan *Circuit, 1)
	cfg.ReopenDownstreams = func(ckt *Circuit) { reopened <- ckt }

	ckt, err := cfg.NewCircuit()
	require.NoError(t, err)
	ckt.AttachUpstream(&sinkUpstream{})

	require.NoError(t, ckt.WriteUpstream([]byte("stranded")))

	select {
	case got := <-reopened:
		assert.Same(t, ckt, got)
	default:
		t.Fatal("client with no downstreams must ask for a reopen")
	}
}

func TestDestroyCancelsTimersAndTombstones(t *testing.T) {
	tc := newTestClient(t, &testStegConfig{room: MaxBlockSize})
	id := tc.ckt.ID()

	tc.cfg.mu.Lock()
	tc.ckt.armFlushTimer(time.Hour)
	tc.ckt.destroy()
	destroyed := tc.ckt.destroyed
	flushArmed := tc.ckt.flushArmed
	_, stale := tc.cfg.lookupCircuit(id)
	tc.cfg.mu.Unlock()

	assert.True(t, destroyed)
	assert.False(t, flushArmed)
	assert.True(t, stale, "destroyed circuit leaves a tombstone")
	assert.Zero(t, tc.cfg.CircuitCount())
	assert.Zero(t, tc.cfg.ConnCount(), "downstreams close with the circuit")
	assert.True(t, tc.sink.sawEOF(), "upstream sees EOF on destroy")
}
