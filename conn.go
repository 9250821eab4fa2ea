package chop

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Conn is one downstream cover connection. It owns the steg module
// instance and the carrier-level byte buffers; the protocol machinery
// lives on the circuit it is attached to. A server-side Conn has no
// circuit until the handshake arrives, and any Conn loses its circuit
// again on detach.
//
// Exported methods are harness entry points and take the configuration
// lock; everything else assumes it is held. The steg hint methods
// (CeaseTransmission, TransmitSoon, ExpectClose) are exported for steg
// modules but run inside the engine, so they do not lock either.
type Conn struct {
	cfg     *Config
	circuit *Circuit
	steg    Steg
	serial  uint32
	peer    string

	// inbound and outbound hold raw carrier bytes; recvPending holds
	// hidden bytes the steg module has already extracted.
	inbound     bytes.Buffer
	outbound    bytes.Buffer
	recvPending bytes.Buffer

	sentHandshake       bool
	noMoreTransmissions bool
	flushing            bool
	closed              bool

	mustSendTimer *time.Timer
	mustSendArmed bool

	// notify, when set, is poked (with the configuration lock held, so
	// it must not block or re-enter the engine) whenever outbound bytes
	// are staged or the connection wants a flush-and-close.
	notify func()
}

// SetNotify installs the harness's writable callback.
func (conn *Conn) SetNotify(fn func()) {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()
	conn.notify = fn
}

// NewConn creates the connection for downstream slot index, with its
// steg module instantiated. peer is a label for logging only.
func (cfg *Config) NewConn(index int, peer string) (*Conn, error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if index < 0 || index >= len(cfg.Downstreams) {
		return nil, fmt.Errorf("downstream index %d out of range", index)
	}
	if !cfg.connLimiter().admit(peerHost(peer)) {
		return nil, fmt.Errorf("connection from %s rejected by limits", peer)
	}

	cfg.connSerial++
	conn := &Conn{
		cfg:    cfg,
		serial: cfg.connSerial,
		peer:   peer,
	}

	steg, err := cfg.Downstreams[index].Steg.New(conn)
	if err != nil {
		cfg.connLimiter().release()
		return nil, fmt.Errorf("create steg instance: %w", err)
	}
	conn.steg = steg

	cfg.liveConns++
	return conn, nil
}

// Serial returns the connection's log identifier.
func (conn *Conn) Serial() uint32 {
	return conn.serial
}

// Closed reports whether the connection has been released.
func (conn *Conn) Closed() bool {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()
	return conn.closed
}

// Flushing reports whether the connection wants its outbound bytes
// written and the socket closed.
func (conn *Conn) Flushing() bool {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()
	return conn.flushing
}

// TakeOutbound removes and returns the carrier bytes staged for the
// wire. The harness calls this from its write pump.
func (conn *Conn) TakeOutbound() []byte {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()
	if conn.outbound.Len() == 0 {
		return nil
	}
	out := make([]byte, conn.outbound.Len())
	copy(out, conn.outbound.Bytes())
	conn.outbound.Reset()
	return out
}

// Handshake runs the connect-time hook. The real handshake bytes are
// prepended by sendBlock so they can ride along with the first block;
// this hook only guarantees the client transmits something immediately,
// because the server cannot bind the connection to a circuit, or even
// open its own upstream, until it has heard the circuit id. The client
// may already have sent by the time this runs; don't do it twice.
func (conn *Conn) Handshake() error {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()

	if conn.cfg.Mode != ModeServer && !conn.sentHandshake {
		conn.sendPass()
	}
	return nil
}

// Receive feeds carrier bytes read off the wire into the connection and
// runs the receive pipeline. A non-nil error means the connection can
// no longer be trusted and the harness must close it.
func (conn *Conn) Receive(p []byte) error {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()

	if conn.closed {
		return fmt.Errorf("conn %d is closed", conn.serial)
	}
	if conn.flushing {
		// Winding down: the circuit is gone, so anything late here is
		// undecryptable chaff. Swallow it rather than re-run the
		// handshake on ciphertext.
		return nil
	}
	conn.inbound.Write(p)
	return conn.recv()
}

// RecvEOF handles the peer closing its end of the carrier socket. Any
// buffered carrier bytes are processed first; it is possible to get
// here before processing anything at all, handshake included. Leftover
// bytes after that are a protocol error.
func (conn *Conn) RecvEOF() error {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()

	if conn.closed {
		return nil
	}

	if conn.inbound.Len() > 0 {
		if err := conn.recv(); err != nil {
			return err
		}
		if conn.inbound.Len() > 0 {
			return fmt.Errorf("conn %d: trailing garbage at EOF", conn.serial)
		}
	}

	// Only detach if we are done talking in the other direction and the
	// cover protocol is not owed a reply.
	if conn.circuit != nil &&
		(conn.circuit.sentFin || conn.noMoreTransmissions) &&
		!conn.mustSendPending() {
		conn.circuit.dropDownstream(conn)
	}
	return nil
}

// Close releases the connection: the harness calls it once the socket
// is gone (or it is giving up on it).
func (conn *Conn) Close() {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()
	conn.closeNow()
}

func (conn *Conn) closeNow() {
	if conn.closed {
		return
	}
	conn.closed = true
	conn.disarmMustSend()

	if conn.circuit != nil {
		conn.circuit.dropDownstream(conn)
	}

	conn.cfg.liveConns--
	conn.cfg.connLimiter().release()
	conn.cfg.maybeFinishShutdown()
	conn.notifyWritable()
}

// peerHost strips the port from a peer label for limit accounting.
func peerHost(peer string) string {
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	return peer
}

// sendBlock hands one framed, sealed block to the steg module. The
// first block a client ever sends on a connection gets the 4-byte
// little-endian circuit id prepended, which is how the server learns
// which circuit this connection belongs to.
func (conn *Conn) sendBlock(block []byte) error {
	if !conn.sentHandshake && conn.cfg.Mode != ModeServer {
		if conn.circuit == nil || conn.circuit.id == 0 {
			return fmt.Errorf("conn %d: handshake with no circuit id", conn.serial)
		}
		var hs [HandshakeLen]byte
		binary.LittleEndian.PutUint32(hs[:], conn.circuit.id)
		block = append(hs[:], block...)
	}

	if err := conn.steg.Transmit(block); err != nil {
		return fmt.Errorf("conn %d: transmit block: %w", conn.serial, err)
	}

	conn.sentHandshake = true
	conn.disarmMustSend()
	conn.notifyWritable()
	return nil
}

// recvHandshake consumes the 4-byte circuit id that precedes the first
// block on a server-side connection, and binds or creates the circuit.
// A tombstoned id leaves the connection circuitless; the caller treats
// that as a stale circuit.
func (conn *Conn) recvHandshake() error {
	if conn.recvPending.Len() < HandshakeLen {
		return fmt.Errorf("conn %d: truncated handshake", conn.serial)
	}

	var hs [HandshakeLen]byte
	copy(hs[:], conn.recvPending.Next(HandshakeLen))
	id := binary.LittleEndian.Uint32(hs[:])

	ckt, stale := conn.cfg.lookupCircuit(id)
	switch {
	case stale:
		log.Debug().
			Uint32("conn", conn.serial).
			Uint32("id", id).
			Msg("stale circuit")
		return nil
	case ckt != nil:
		log.Debug().
			Uint32("conn", conn.serial).
			Uint32("id", id).
			Msg("found circuit")
	default:
		var err error
		ckt, err = conn.cfg.installCircuit(id)
		if err != nil {
			return fmt.Errorf("conn %d: create circuit: %w", conn.serial, err)
		}
		log.Debug().
			Uint32("conn", conn.serial).
			Uint32("id", id).
			Msg("created circuit")
	}

	ckt.addDownstream(conn)
	return nil
}

// recv is the receive pipeline: extract hidden bytes from the carrier,
// bind the connection to a circuit if it has none, then parse, verify,
// and queue every complete block, and finally drain the reassembly
// queue upstream.
func (conn *Conn) recv() error {
	if status := conn.steg.Receive(&conn.recvPending); status != StegGood {
		if status == StegIncomplete {
			return nil
		}
		return fmt.Errorf("conn %d: steg rejected carrier", conn.serial)
	}

	if conn.circuit == nil {
		if conn.cfg.Mode != ModeServer {
			return fmt.Errorf("conn %d: data before attach on client side", conn.serial)
		}
		if err := conn.recvHandshake(); err != nil {
			return err
		}

		// Still no circuit: a new connection made by the client to draw
		// down more data crossed with our FIN, and the circuit is
		// already gone. We no longer hold keys for anything past the
		// handshake; it is chaff or a protocol error either way. Drop
		// it, answering first if the cover protocol demands a reply.
		if conn.circuit == nil {
			conn.recvPending.Reset()
			if conn.mustSendPending() {
				conn.sendPass()
			}
			conn.flushAndClose()
			return nil
		}
	}

	ckt := conn.circuit
	for {
		avail := conn.recvPending.Len()
		if avail == 0 {
			break
		}

		log.Debug().
			Uint32("conn", conn.serial).
			Int("avail", avail).
			Msg("bytes pending")

		if avail < MinBlockSize {
			log.Debug().
				Uint32("conn", conn.serial).
				Msg("incomplete block framing")
			break
		}

		hdr, err := decodeBlockHeader(conn.recvPending.Bytes(), ckt.crypto.recvHdrCrypt)
		if err != nil {
			return err
		}
		if !hdr.valid(ckt.recvQueue.window()) {
			log.Info().
				Uint32("conn", conn.serial).
				Hex("header", hdr.cleartext()).
				Msg("invalid block header")
			ckt.failWithRST()
			return fmt.Errorf("conn %d: invalid block header", conn.serial)
		}

		if avail < hdr.totalLen() {
			log.Debug().
				Uint32("conn", conn.serial).
				Int("need", hdr.totalLen()).
				Msg("incomplete block")
			break
		}

		raw := conn.recvPending.Next(hdr.totalLen())
		data, err := decodeBlockBody(hdr, raw[HeaderLen:], ckt.crypto.recvCrypt)
		if err != nil {
			return conn.macFailure(ckt, err)
		}

		log.Debug().
			Uint32("conn", conn.serial).
			Uint32("seq", hdr.seqno()).
			Int("d", hdr.dlen()).
			Int("p", hdr.plen()).
			Str("op", hdr.opcode().String()).
			Msg("receiving block")

		if !ckt.recvQueue.insert(hdr.seqno(), hdr.opcode(), data) {
			// insert logged the cause: duplicate or outside the window
			ckt.failWithRST()
			return fmt.Errorf("conn %d: block rejected by reassembly queue", conn.serial)
		}
	}

	return ckt.processQueue()
}

// macFailure handles an AEAD open failure. We cannot authenticate an
// RST after a MAC failure, so none is sent: the offending connection is
// closed, and the circuit goes with it only if this was its last
// connection and no FIN has passed in either direction.
func (conn *Conn) macFailure(ckt *Circuit, cause error) error {
	log.Info().
		Uint32("conn", conn.serial).
		Err(cause).
		Msg("closing connection on MAC failure")

	conn.closeNow()

	if !ckt.destroyed && len(ckt.downstreams) == 0 &&
		!ckt.sentFin && !ckt.receivedFin {
		ckt.destroy()
	}
	return fmt.Errorf("conn %d: %w", conn.serial, cause)
}

// sendPass emits one transmission on this specific connection, steered
// by the cover protocol rather than by upstream data: either a sized
// block from the circuit, or, with no circuit to encrypt for, chaff
// of random bytes fed straight through the steg module, so a stale
// circuit's mandatory replies still look right.
func (conn *Conn) sendPass() {
	conn.disarmMustSend()

	if conn.steg == nil {
		log.Warn().
			Uint32("conn", conn.serial).
			Msg("send with no steg module available")
		conn.flushAndClose()
		return
	}

	if conn.circuit != nil {
		log.Debug().
			Uint32("conn", conn.serial).
			Msg("must send")
		if err := conn.circuit.sendOn(conn); err != nil {
			log.Warn().
				Uint32("conn", conn.serial).
				Err(err).
				Msg("must-send failed")
			conn.flushAndClose()
		}
		return
	}

	log.Debug().
		Uint32("conn", conn.serial).
		Msg("must send (no circuit)")

	room := conn.steg.TransmitRoom()
	if room < MinBlockSize {
		log.Warn().
			Uint32("conn", conn.serial).
			Int("room", room).
			Int("need", MinBlockSize).
			Msg("send without enough transmit room")
		conn.flushAndClose()
		return
	}

	chaff := make([]byte, MinBlockSize)
	if _, err := rand.Read(chaff); err != nil {
		log.Warn().
			Uint32("conn", conn.serial).
			Err(err).
			Msg("chaff generation failed")
		conn.flushAndClose()
		return
	}
	if err := conn.steg.Transmit(chaff); err != nil {
		log.Warn().
			Uint32("conn", conn.serial).
			Err(err).
			Msg("chaff transmit failed")
		conn.flushAndClose()
		return
	}
	conn.notifyWritable()
}

// finish flushes remaining carrier bytes and ends the write side; used
// once the circuit has completed both FINs.
func (conn *Conn) finish() {
	conn.flushAndClose()
}

// flushAndClose asks the harness to drain the outbound buffer and then
// close the socket. With nothing buffered the connection closes now.
func (conn *Conn) flushAndClose() {
	if conn.closed {
		return
	}
	conn.flushing = true
	if conn.outbound.Len() == 0 {
		conn.closeNow()
		return
	}
	conn.notifyWritable()
}

// CeaseTransmission is the steg hint that no further bytes may be
// written to this socket; the peer may still send back.
func (conn *Conn) CeaseTransmission() {
	conn.noMoreTransmissions = true
	conn.disarmMustSend()
	conn.flushAndClose()
}

// ExpectClose is the steg hint that nothing more will arrive on this
// connection.
func (conn *Conn) ExpectClose() {
	// Nothing to do: detach happens on the actual EOF.
}

// TransmitSoon is the steg hint that the cover protocol owes the peer a
// transmission within ms milliseconds; the must-send timer forces one
// out if nothing has gone out by then.
func (conn *Conn) TransmitSoon(ms int) {
	log.Debug().
		Uint32("conn", conn.serial).
		Int("ms", ms).
		Msg("must send soon")

	conn.disarmMustSend()
	conn.mustSendArmed = true
	conn.mustSendTimer = time.AfterFunc(time.Duration(ms)*time.Millisecond, conn.mustSendTimeout)
}

func (conn *Conn) mustSendPending() bool {
	return conn.mustSendArmed
}

func (conn *Conn) disarmMustSend() {
	conn.mustSendArmed = false
	if conn.mustSendTimer != nil {
		conn.mustSendTimer.Stop()
		conn.mustSendTimer = nil
	}
}

func (conn *Conn) mustSendTimeout() {
	conn.cfg.mu.Lock()
	defer conn.cfg.mu.Unlock()
	if !conn.mustSendArmed || conn.closed {
		return
	}
	conn.sendPass()
}

func (conn *Conn) notifyWritable() {
	if conn.notify != nil {
		conn.notify()
	}
}
