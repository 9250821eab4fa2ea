package chop

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/things-go/go-socks5"
)

// serveSocks fronts the client with a SOCKS5 listener. Each CONNECT
// opens a fresh circuit; the destination the SOCKS client asked for is
// ignored in v0; the chop server's configured upstream is where all
// traffic lands, exactly like the plain client mode.
func (t *Transport) serveSocks(ln net.Listener) error {
	server := socks5.NewServer(
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return t.dialCircuit(addr)
		}),
	)
	if err := server.Serve(ln); err != nil && !t.isClosed() {
		return fmt.Errorf("socks serve: %w", err)
	}
	return nil
}

// dialCircuit builds the virtual connection the SOCKS server proxies
// to: one side is a new circuit, the other is a net.Conn whose reads
// surface the circuit's delivered bytes and whose writes feed its send
// buffer.
func (t *Transport) dialCircuit(requested string) (net.Conn, error) {
	ckt, err := t.cfg.NewCircuit()
	if err != nil {
		return nil, err
	}

	log.Debug().
		Uint32("id", ckt.ID()).
		Str("requested", requested).
		Msg("socks connect (destination ignored in v0)")

	pr, pw := io.Pipe()
	ckt.AttachUpstream(pipeUpstream{pw})
	t.openDownstreams(ckt)

	return &circuitConn{ckt: ckt, r: pr}, nil
}

// pipeUpstream adapts an io.PipeWriter to the Upstream interface.
type pipeUpstream struct {
	w *io.PipeWriter
}

func (p pipeUpstream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeUpstream) CloseWrite() error           { return p.w.Close() }

// circuitConn is the net.Conn the SOCKS relay copies through. Reads
// block on the circuit's delivered byte stream; writes enter the
// circuit's send path; Close signals upstream EOF so the circuit can
// send its FIN.
type circuitConn struct {
	ckt *Circuit
	r   *io.PipeReader
}

func (cc *circuitConn) Read(p []byte) (int, error) {
	return cc.r.Read(p)
}

func (cc *circuitConn) Write(p []byte) (int, error) {
	if err := cc.ckt.WriteUpstream(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (cc *circuitConn) Close() error {
	cc.r.Close()
	return cc.ckt.UpstreamEOF()
}

func (cc *circuitConn) LocalAddr() net.Addr  { return chopAddr{} }
func (cc *circuitConn) RemoteAddr() net.Addr { return chopAddr{} }

func (cc *circuitConn) SetDeadline(time.Time) error      { return nil }
func (cc *circuitConn) SetReadDeadline(time.Time) error  { return nil }
func (cc *circuitConn) SetWriteDeadline(time.Time) error { return nil }

// chopAddr is the placeholder address for circuit-backed connections.
type chopAddr struct{}

func (chopAddr) Network() string { return "chop" }
func (chopAddr) String() string  { return "chop:circuit" }
