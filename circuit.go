package chop

import (
	"bytes"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// Timer policy. The client's flush timer makes it speak periodically
// even when idle so the server gets carriers to answer with; the
// server's axe timer reaps circuits whose client never came back. The
// axe interval must always exceed the maximum possible flush interval
// of the peer, otherwise a merely quiet circuit would be reaped.
const (
	axeInterval      = 30 * time.Minute
	maxFlushInterval = 20 * 60 * 1000 // ms
	minFlushInterval = 100            // ms
)

// Circuit is one logical end-to-end byte stream, chopped into blocks
// and spread across a set of downstream connections. It owns the four
// cipher contexts, the send sequence counter, the reassembly queue, and
// the FIN/RST lifecycle.
//
// All methods except the exported entry points assume cfg.mu is held.
type Circuit struct {
	cfg    *Config
	crypto *circuitCrypto
	serial uint32

	// id is the 32-bit handshake identifier: drawn at random by the
	// client, learned from the first block by the server.
	id uint32

	recvQueue   reassemblyQueue
	downstreams map[*Conn]struct{}

	// xmitPending holds upstream bytes awaiting chopping; upOut stages
	// reassembled bytes bound for the upstream.
	xmitPending bytes.Buffer
	upOut       *circbuf.Buffer
	upstream    Upstream

	sendSeq    uint32
	deadCycles uint32

	sentFin     bool
	receivedFin bool
	upstreamEOF bool
	upEOFSent   bool
	destroyed   bool

	flushTimer *time.Timer
	flushArmed bool
	axeTimer   *time.Timer
	axeArmed   bool
}

func newCircuit(cfg *Config, crypto *circuitCrypto, serial uint32) *Circuit {
	out, err := circbuf.NewBuffer(upstreamBufCap)
	if err != nil {
		// only fails for a non-positive capacity
		panic(err)
	}
	return &Circuit{
		cfg:         cfg,
		crypto:      crypto,
		serial:      serial,
		downstreams: make(map[*Conn]struct{}),
		upOut:       out,
	}
}

// ID returns the circuit's handshake identifier.
func (c *Circuit) ID() uint32 {
	return c.id
}

// AttachUpstream binds the cleartext stream this circuit serves and
// flushes anything that arrived before the upstream was ready.
func (c *Circuit) AttachUpstream(up Upstream) {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()
	c.attachUpstreamLocked(up)
}

// attachUpstreamLocked is AttachUpstream for callers already inside the
// engine, such as the OpenUpstream hook.
func (c *Circuit) attachUpstreamLocked(up Upstream) {
	c.upstream = up
	c.flushUpstreamLocked()
}

// WriteUpstream queues cleartext bytes from the local application and
// schedules them for transmission.
func (c *Circuit) WriteUpstream(p []byte) error {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("circuit %d is closed", c.serial)
	}
	c.xmitPending.Write(p)
	return c.send()
}

// UpstreamEOF records that the local application has no more bytes to
// send; the next scheduled block will carry the FIN opcode.
func (c *Circuit) UpstreamEOF() error {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.upstreamEOF = true
	return c.send()
}

// AddDownstream attaches a connection to this circuit.
func (c *Circuit) AddDownstream(conn *Conn) {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()
	c.addDownstream(conn)
}

func (c *Circuit) addDownstream(conn *Conn) {
	conn.circuit = c
	c.downstreams[conn] = struct{}{}

	log.Debug().
		Uint32("circuit", c.serial).
		Uint32("conn", conn.serial).
		Str("peer", conn.peer).
		Int("downstreams", len(c.downstreams)).
		Msg("added downstream")

	c.disarmAxeTimer()
}

// dropDownstream detaches a connection that is no longer usable. If it
// was the last one, the circuit either finishes (both FINs seen), asks
// the axe timer to reap it later (server), or schedules chaff so the
// peer gets a chance to talk (client).
func (c *Circuit) dropDownstream(conn *Conn) {
	conn.circuit = nil
	delete(c.downstreams, conn)

	log.Debug().
		Uint32("circuit", c.serial).
		Uint32("conn", conn.serial).
		Str("peer", conn.peer).
		Int("downstreams", len(c.downstreams)).
		Msg("dropped downstream")

	if len(c.downstreams) > 0 || c.destroyed {
		return
	}
	if c.sentFin && c.receivedFin {
		c.destroy()
	} else if c.cfg.Mode == ModeServer {
		c.armAxeTimer(axeInterval)
	} else {
		c.armFlushTimer(c.flushInterval())
	}
}

// send runs one transmission pass: pick a downstream sized to the
// pending data, emit a block, repeat while data remains. At least one
// block goes out per pass even with nothing to say, preserving the
// query/response shape request-oriented covers need.
func (c *Circuit) send() error {
	c.disarmFlushTimer()

	if len(c.downstreams) == 0 {
		// Nothing to write on, but we must send. A client reopens its
		// downstreams and the on-connect path brings it back here; the
		// server can only wait for the client to reconnect.
		log.Debug().
			Uint32("circuit", c.serial).
			Msg("no downstream connections")
		if c.cfg.Mode != ModeServer {
			if c.cfg.ReopenDownstreams != nil {
				c.cfg.ReopenDownstreams(c)
			}
		} else {
			c.armAxeTimer(axeInterval)
		}
		return nil
	}

	avail := c.xmitPending.Len()
	avail0 := avail

	for {
		log.Debug().
			Uint32("circuit", c.serial).
			Int("pending", avail).
			Msg("send pass")

		target, blocksize := c.pickConnection(avail)
		if target == nil {
			// Not an error: e.g. the server has something to push but
			// the client has not issued a request yet.
			log.Debug().
				Uint32("circuit", c.serial).
				Msg("no target connection available")
			break
		}

		if err := c.sendTargeted(target, blocksize); err != nil {
			return err
		}

		avail = c.xmitPending.Len()
		if avail == 0 {
			break
		}
	}

	if avail0 > avail {
		c.deadCycles = 0
	} else {
		c.deadCycles++
		log.Debug().
			Uint32("circuit", c.serial).
			Uint32("deadCycles", c.deadCycles).
			Msg("dead cycle")
	}

	return c.checkForEOF()
}

// sendOn emits one block sized to whatever the given connection's steg
// module offers right now; the must-send path uses this when a cover
// protocol demands a reply on a specific connection.
func (c *Circuit) sendOn(conn *Conn) error {
	avail := c.xmitPending.Len()
	if avail > SectionLen {
		avail = SectionLen
	}
	avail += MinBlockSize

	room := conn.steg.TransmitRoom()
	if room < MinBlockSize {
		return fmt.Errorf("conn %d: send without enough transmit room (have %d, need %d)",
			conn.serial, room, MinBlockSize)
	}
	log.Debug().
		Uint32("conn", conn.serial).
		Int("room", room).
		Str("steg", conn.steg.Cfg().Name()).
		Msg("steg offer")

	if room < avail {
		avail = room
	}
	return c.sendTargeted(conn, avail)
}

// sendTargeted emits one block of exactly blocksize total bytes on
// conn: as much pending data as fits, padding for the rest, and the
// FIN opcode when this block carries the last byte the upstream will
// ever produce.
func (c *Circuit) sendTargeted(conn *Conn, blocksize int) error {
	if blocksize < MinBlockSize || blocksize > MaxBlockSize {
		return fmt.Errorf("block size %d out of range", blocksize)
	}

	avail := c.xmitPending.Len()
	op := OpDAT

	d := avail
	if d > SectionLen {
		d = SectionLen
	}
	if d > blocksize-MinBlockSize {
		d = blocksize - MinBlockSize
	}
	if d == avail && c.upstreamEOF && !c.sentFin {
		// this block carries the last byte of real data to be sent in
		// this direction
		op = OpFIN
	}

	return c.transmitBlock(conn, d, blocksize-MinBlockSize-d, op, &c.xmitPending)
}

// sendSpecial emits one block with the given opcode and payload on
// whichever connection can fit it whole.
func (c *Circuit) sendSpecial(op Opcode, payload []byte) error {
	d := len(payload)
	if d > SectionLen {
		return fmt.Errorf("special payload %d exceeds section limit", d)
	}

	conn, blocksize := c.pickConnection(d)
	if conn == nil || blocksize-MinBlockSize < d {
		log.Warn().
			Uint32("circuit", c.serial).
			Str("op", op.String()).
			Int("need", d+MinBlockSize).
			Int("have", blocksize).
			Msg("no usable connection for special block")
		return fmt.Errorf("no usable connection for %s block", op)
	}

	var buf bytes.Buffer
	buf.Write(payload)
	return c.transmitBlock(conn, d, blocksize-MinBlockSize-d, op, &buf)
}

// transmitBlock frames, seals, and hands one block to a connection,
// consuming d bytes of payload on success. The send sequence number
// increments exactly once per emitted block and is never reused within
// a key epoch.
func (c *Circuit) transmitBlock(conn *Conn, d, p int, op Opcode, payload *bytes.Buffer) error {
	if payload.Len() < d {
		return fmt.Errorf("payload underrun: have %d bytes, want %d", payload.Len(), d)
	}

	hdr, err := newBlockHeader(c.sendSeq, uint16(d), uint16(p), op, c.crypto.sendHdrCrypt)
	if err != nil {
		return err
	}

	block, err := encodeBlock(hdr, payload.Bytes(), c.crypto.sendCrypt)
	if err != nil {
		return err
	}

	log.Debug().
		Uint32("conn", conn.serial).
		Uint32("seq", hdr.seqno()).
		Int("d", d).
		Int("p", p).
		Str("op", op.String()).
		Msg("transmitting block")

	if err := conn.sendBlock(block); err != nil {
		return err
	}

	payload.Next(d)
	c.sendSeq++
	if op == OpFIN {
		c.sentFin = true
	}
	return nil
}

// pickConnection chooses the downstream whose steg room best fits a
// data section of the desired size, and the total block size to build
// for it. Preference order: the smallest room that takes everything
// ("targabove"), else the largest room that takes something
// ("targbelow"). Room at or below the block overhead counts as none.
// With no usable candidate the result is (nil, 0), which is not an
// error; the flush timer retries later.
func (c *Circuit) pickConnection(desired int) (*Conn, int) {
	maxbelow := 0
	minabove := MaxBlockSize + 1
	var targbelow, targabove *Conn

	if desired > SectionLen {
		desired = SectionLen
	}
	desired += MinBlockSize

	log.Debug().
		Uint32("circuit", c.serial).
		Int("desired", desired).
		Msg("target block size")

	for conn := range c.downstreams {
		if conn.steg == nil {
			log.Debug().
				Uint32("conn", conn.serial).
				Msg("offers 0 bytes (no steg)")
			continue
		}

		room := conn.steg.TransmitRoom()
		if room <= MinBlockSize {
			room = 0
		}
		if room > MaxBlockSize {
			room = MaxBlockSize
		}

		log.Debug().
			Uint32("conn", conn.serial).
			Int("room", room).
			Str("steg", conn.steg.Cfg().Name()).
			Msg("steg offer")

		if room >= desired {
			if room < minabove {
				minabove = room
				targabove = conn
			}
		} else if room > maxbelow {
			maxbelow = room
			targbelow = conn
		}
	}

	if targabove != nil {
		return targabove, desired
	}
	return targbelow, maxbelow
}

// processQueue drains every consecutive ready slot from the reassembly
// queue, dispatching each block by opcode. A FIN marks the circuit
// before any later slot is processed, so data queued behind a FIN is
// caught as a protocol error. At most one RST goes out per drain, and
// never in answer to an RST or FIN.
func (c *Circuit) processQueue() error {
	count := 0
	pendingError := false
	sentError := false

	for {
		blk, ok := c.recvQueue.removeNext()
		if !ok {
			break
		}
		count++

		switch blk.op {
		case OpFIN:
			if c.receivedFin {
				log.Info().
					Uint32("circuit", c.serial).
					Msg("protocol error: duplicate FIN")
				pendingError = true
				break
			}
			log.Debug().
				Uint32("circuit", c.serial).
				Msg("received FIN")
			if len(blk.data) > 0 {
				c.queueUpstream(blk.data)
			}
			c.receivedFin = true
			c.recvEOFUpstream()

		case OpDAT:
			if len(blk.data) > 0 {
				if c.receivedFin {
					log.Info().
						Uint32("circuit", c.serial).
						Msg("protocol error: data after FIN")
					pendingError = true
				} else {
					c.queueUpstream(blk.data)
				}
			}

		case OpRST:
			log.Info().
				Uint32("circuit", c.serial).
				Msg("received RST; disconnecting circuit")
			c.recvEOFUpstream()
			pendingError = true

		case OpRK1, OpRK2, OpRK3:
			log.Warn().
				Uint32("circuit", c.serial).
				Msg("rekeying not yet implemented")
			pendingError = true

		default:
			log.Warn().
				Uint32("circuit", c.serial).
				Str("op", blk.op.String()).
				Msg("protocol error: unknown block opcode")
			pendingError = true
		}

		if pendingError && !sentError {
			// no point answering an RST or a duplicate FIN with an RST
			if blk.op != OpRST && blk.op != OpFIN {
				if err := c.sendSpecial(OpRST, nil); err != nil {
					log.Warn().
						Uint32("circuit", c.serial).
						Err(err).
						Msg("could not send RST")
				}
			}
			sentError = true
		}
	}

	log.Debug().
		Uint32("circuit", c.serial).
		Int("blocks", count).
		Msg("processed queue")

	if count > 0 {
		c.deadCycles = 0
	}
	c.flushUpstreamLocked()

	if sentError {
		c.destroy()
		return fmt.Errorf("circuit %d: protocol error in received block", c.serial)
	}

	// It may have become possible to send queued data or a FIN.
	if c.xmitPending.Len() > 0 || (c.upstreamEOF && !c.sentFin) {
		return c.send()
	}
	return c.checkForEOF()
}

// checkForEOF finishes the two-sided EOF handshake: once FINs have
// crossed in both directions every downstream is flushed and released.
// A client that is not yet done must keep the conversation alive on a
// timer or the two sides could deadlock waiting for each other.
func (c *Circuit) checkForEOF() error {
	if c.sentFin && c.receivedFin {
		c.disarmFlushTimer()
		for conn := range c.downstreams {
			if conn.mustSendPending() {
				conn.sendPass()
			}
			conn.finish()
		}
	} else if c.cfg.Mode != ModeServer {
		c.armFlushTimer(c.flushInterval())
	}
	return nil
}

// failWithRST is the hard-error path for unauthenticated protocol
// damage: one advisory RST, then the circuit is gone.
func (c *Circuit) failWithRST() {
	if c.destroyed {
		return
	}
	if err := c.sendSpecial(OpRST, nil); err != nil {
		log.Warn().
			Uint32("circuit", c.serial).
			Err(err).
			Msg("could not send RST")
	}
	c.destroy()
}

// queueUpstream stages reassembled bytes for the upstream, flushing the
// ring first when the payload would not fit.
func (c *Circuit) queueUpstream(data []byte) {
	if int64(len(data)) > c.upOut.Size()-int64(len(c.upOut.Bytes())) {
		c.flushUpstreamLocked()
	}
	// a single data section always fits an empty ring
	c.upOut.Write(data)
}

// flushUpstreamLocked hands staged bytes to the upstream writer. With
// no upstream attached yet (server side before OpenUpstream finishes)
// the bytes stay staged.
func (c *Circuit) flushUpstreamLocked() {
	if c.upstream == nil || len(c.upOut.Bytes()) == 0 {
		return
	}
	if _, err := c.upstream.Write(c.upOut.Bytes()); err != nil {
		log.Warn().
			Uint32("circuit", c.serial).
			Err(err).
			Msg("upstream write failed")
	}
	c.upOut.Reset()
}

// recvEOFUpstream propagates the peer's end-of-stream to the upstream,
// exactly once, after any staged bytes.
func (c *Circuit) recvEOFUpstream() {
	if c.upEOFSent {
		return
	}
	c.upEOFSent = true
	c.flushUpstreamLocked()
	if c.upstream != nil {
		if err := c.upstream.CloseWrite(); err != nil {
			log.Debug().
				Uint32("circuit", c.serial).
				Err(err).
				Msg("upstream close-write failed")
		}
	}
}

// destroy tears the circuit down: timers cancelled, downstreams
// detached (flushing those with queued carrier bytes), table entry
// tombstoned. Destroying a circuit that has not completed both FINs is
// worth a warning; it means data may have been lost.
func (c *Circuit) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true

	if !c.sentFin || !c.receivedFin || !c.upstreamEOF {
		log.Warn().
			Uint32("circuit", c.serial).
			Bool("sentFin", c.sentFin).
			Bool("receivedFin", c.receivedFin).
			Bool("upstreamEOF", c.upstreamEOF).
			Int("downstreams", len(c.downstreams)).
			Msg("destroying active circuit")
	}

	for conn := range c.downstreams {
		conn.circuit = nil
		delete(c.downstreams, conn)
		if conn.outbound.Len() > 0 {
			conn.flushAndClose()
		} else {
			conn.closeNow()
		}
	}

	c.disarmFlushTimer()
	c.disarmAxeTimer()
	c.recvEOFUpstream()
	c.cfg.retireCircuit(c)
}

// teardownLocked releases a circuit that never made it into the table.
func (c *Circuit) teardownLocked() {
	c.destroyed = true
	c.cfg.liveCircuits--
	c.cfg.maybeFinishShutdown()
}

// flushInterval draws the client's next chaff delay: a truncated
// geometric sample whose scale doubles with every dead cycle, floored
// at 100ms and capped under the peer's axe interval. Fresh circuits
// chat eagerly; long-idle ones back off to multi-minute whispers.
func (c *Circuit) flushInterval() time.Duration {
	shift := c.deadCycles
	if shift < 1 {
		shift = 1
	}
	if shift > 19 {
		shift = 19
	}
	scale := uint32(1) << shift
	if scale > 10*60*1000 {
		scale = 10 * 60 * 1000
	}

	v := uint32(mrand.ExpFloat64() * float64(scale))
	if v >= maxFlushInterval {
		v = maxFlushInterval - 1
	}
	return time.Duration(v+minFlushInterval) * time.Millisecond
}

func (c *Circuit) armFlushTimer(d time.Duration) {
	if c.destroyed {
		return
	}
	c.disarmFlushTimer()
	c.flushArmed = true
	c.flushTimer = time.AfterFunc(d, c.flushTimeout)
}

func (c *Circuit) disarmFlushTimer() {
	c.flushArmed = false
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

func (c *Circuit) flushTimeout() {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()
	if !c.flushArmed || c.destroyed {
		return
	}
	c.flushArmed = false
	if err := c.send(); err != nil {
		log.Warn().
			Uint32("circuit", c.serial).
			Err(err).
			Msg("flush-timer send failed")
	}
}

func (c *Circuit) armAxeTimer(d time.Duration) {
	if c.destroyed || c.axeArmed {
		return
	}
	c.axeArmed = true
	c.axeTimer = time.AfterFunc(d, c.axeTimeout)
}

func (c *Circuit) disarmAxeTimer() {
	c.axeArmed = false
	if c.axeTimer != nil {
		c.axeTimer.Stop()
		c.axeTimer = nil
	}
}

func (c *Circuit) axeTimeout() {
	c.cfg.mu.Lock()
	defer c.cfg.mu.Unlock()
	if !c.axeArmed || c.destroyed {
		return
	}
	c.axeArmed = false
	log.Warn().
		Uint32("circuit", c.serial).
		Uint32("id", c.id).
		Msg("axe timer expired; reaping circuit")
	c.destroy()
}
