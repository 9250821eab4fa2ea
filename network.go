package chop

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

const readChunk = 32 * 1024

// Transport owns the socket-level glue for one configuration: the
// listeners, the per-connection byte pumps, and the dialers for the
// opposite side. The protocol engine itself never touches a socket.
type Transport struct {
	cfg *Config

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewTransport wires a transport around cfg, installing the harness
// hooks the engine calls back into.
func NewTransport(cfg *Config) *Transport {
	t := &Transport{cfg: cfg}

	if cfg.Mode == ModeServer {
		cfg.OpenUpstream = t.openUpstream
	} else {
		cfg.ReopenDownstreams = func(ckt *Circuit) {
			// called with the engine lock held; dial on our own time
			go t.openDownstreams(ckt)
		}
	}
	return t
}

// ListenAndServe runs the transport until Shutdown. In client and socks
// modes it listens on the up address and dials downstreams per circuit;
// in server mode it listens on every down address and dials the up
// address per circuit.
func (t *Transport) ListenAndServe() error {
	switch t.cfg.Mode {
	case ModeClient:
		ln, err := t.listen(t.cfg.UpAddr)
		if err != nil {
			return err
		}
		return t.acceptUpstreams(ln)

	case ModeSocksClient:
		ln, err := t.listen(t.cfg.UpAddr)
		if err != nil {
			return err
		}
		return t.serveSocks(ln)

	case ModeServer:
		var wg sync.WaitGroup
		for i, ds := range t.cfg.Downstreams {
			ln, err := t.listen(ds.Addr)
			if err != nil {
				return err
			}
			wg.Add(1)
			go func(index int, ln net.Listener) {
				defer wg.Done()
				t.acceptDownstreams(index, ln)
			}(i, ln)
		}
		wg.Wait()
		return nil

	default:
		return fmt.Errorf("unknown mode %d", t.cfg.Mode)
	}
}

// Shutdown closes the listeners and begins engine teardown.
func (t *Transport) Shutdown(barbaric bool) {
	t.mu.Lock()
	t.closed = true
	for _, ln := range t.listeners {
		ln.Close()
	}
	t.listeners = nil
	t.mu.Unlock()

	t.cfg.StartShutdown(barbaric)
}

func (t *Transport) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		ln.Close()
		return nil, fmt.Errorf("transport is shut down")
	}
	t.listeners = append(t.listeners, ln)

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("mode", t.cfg.Mode.String()).
		Msg("listening")
	return ln, nil
}

// acceptUpstreams is the plain client front: every accepted connection
// becomes one circuit.
func (t *Transport) acceptUpstreams(ln net.Listener) error {
	for {
		sock, err := ln.Accept()
		if err != nil {
			if t.isClosed() {
				return nil
			}
			return fmt.Errorf("accept upstream: %w", err)
		}
		go t.serveUpstream(sock)
	}
}

// serveUpstream drives one client circuit: create it, attach the
// accepted socket as its upstream, dial the downstreams, then feed
// upstream reads into the engine until EOF.
func (t *Transport) serveUpstream(sock net.Conn) {
	ckt, err := t.cfg.NewCircuit()
	if err != nil {
		log.Warn().Err(err).Msg("refusing upstream connection")
		sock.Close()
		return
	}

	ckt.AttachUpstream(asUpstream(sock))
	t.openDownstreams(ckt)
	t.pumpUpstream(ckt, sock)
}

// pumpUpstream copies application bytes into the circuit until the
// application closes its end.
func (t *Transport) pumpUpstream(ckt *Circuit, sock net.Conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			if werr := ckt.WriteUpstream(buf[:n]); werr != nil {
				log.Debug().Err(werr).Msg("upstream write into circuit failed")
				sock.Close()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("upstream read error")
			}
			if eerr := ckt.UpstreamEOF(); eerr != nil {
				log.Debug().Err(eerr).Msg("upstream EOF signalling failed")
			}
			return
		}
	}
}

// openDownstreams dials one downstream per configured (address, steg)
// pair and attaches them all to the circuit.
func (t *Transport) openDownstreams(ckt *Circuit) {
	for i, ds := range t.cfg.Downstreams {
		sock, err := net.Dial("tcp", ds.Addr)
		if err != nil {
			log.Warn().
				Str("addr", ds.Addr).
				Err(err).
				Msg("downstream dial failed")
			continue
		}

		conn, err := t.cfg.NewConn(i, sock.RemoteAddr().String())
		if err != nil {
			log.Warn().Err(err).Msg("downstream setup failed")
			sock.Close()
			continue
		}

		ckt.AddDownstream(conn)
		t.pumpConn(conn, sock)
		if err := conn.Handshake(); err != nil {
			log.Warn().Err(err).Msg("handshake failed")
		}
	}
}

// acceptDownstreams is the server back: every accepted cover connection
// becomes a Conn that will bind itself to a circuit when the handshake
// arrives.
func (t *Transport) acceptDownstreams(index int, ln net.Listener) {
	for {
		sock, err := ln.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			log.Warn().Err(err).Msg("accept downstream failed")
			return
		}

		conn, err := t.cfg.NewConn(index, sock.RemoteAddr().String())
		if err != nil {
			log.Warn().Err(err).Msg("downstream setup failed")
			sock.Close()
			continue
		}
		t.pumpConn(conn, sock)
	}
}

// pumpConn starts the two byte pumps between a Conn and its socket: the
// writer drains staged carrier bytes on every notify, the reader feeds
// socket bytes into the engine.
func (t *Transport) pumpConn(conn *Conn, sock net.Conn) {
	wake := make(chan struct{}, 1)
	conn.SetNotify(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	// writer
	go func() {
		for range wake {
			if data := conn.TakeOutbound(); len(data) > 0 {
				if _, err := sock.Write(data); err != nil {
					log.Debug().
						Uint32("conn", conn.Serial()).
						Err(err).
						Msg("carrier write failed")
					sock.Close()
					conn.Close()
					return
				}
			}
			if conn.Closed() {
				sock.Close()
				return
			}
			if conn.Flushing() {
				// outbound is drained; nothing more may be written
				if tcp, ok := sock.(*net.TCPConn); ok {
					tcp.CloseWrite()
				}
			}
		}
	}()

	// reader
	go func() {
		defer close(wake)
		buf := make([]byte, readChunk)
		for {
			n, err := sock.Read(buf)
			if n > 0 {
				if rerr := conn.Receive(buf[:n]); rerr != nil {
					log.Debug().
						Uint32("conn", conn.Serial()).
						Err(rerr).
						Msg("closing connection on receive error")
					sock.Close()
					conn.Close()
					return
				}
			}
			if err != nil {
				if err != io.EOF && !t.isClosed() {
					log.Debug().
						Uint32("conn", conn.Serial()).
						Err(err).
						Msg("carrier read error")
				}
				if eerr := conn.RecvEOF(); eerr != nil {
					log.Debug().
						Uint32("conn", conn.Serial()).
						Err(eerr).
						Msg("carrier EOF handling failed")
				}
				conn.Close()
				sock.Close()
				return
			}
		}
	}()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// openUpstream is the server-side OpenUpstream hook. It runs inside the
// engine, so the actual dial happens on a fresh goroutine while writes
// collect in an asyncUpstream until the socket is ready.
func (t *Transport) openUpstream(ckt *Circuit) error {
	au := newAsyncUpstream(t.cfg.UpAddr)
	ckt.attachUpstreamLocked(au)
	go au.run(ckt)
	return nil
}

// asyncUpstream is an Upstream that buffers until its dial completes.
// It has its own lock because the engine writes to it while holding the
// configuration lock.
type asyncUpstream struct {
	addr string

	mu     sync.Mutex
	sock   net.Conn
	staged bytes.Buffer
	eof    bool
	failed bool
}

func newAsyncUpstream(addr string) *asyncUpstream {
	return &asyncUpstream{addr: addr}
}

func (au *asyncUpstream) Write(p []byte) (int, error) {
	au.mu.Lock()
	defer au.mu.Unlock()
	if au.failed {
		return 0, fmt.Errorf("upstream connect to %s failed", au.addr)
	}
	if au.sock == nil {
		return au.staged.Write(p)
	}
	return au.sock.Write(p)
}

func (au *asyncUpstream) CloseWrite() error {
	au.mu.Lock()
	defer au.mu.Unlock()
	au.eof = true
	if au.sock != nil {
		if tcp, ok := au.sock.(*net.TCPConn); ok {
			return tcp.CloseWrite()
		}
		return au.sock.Close()
	}
	return nil
}

// run dials the upstream, replays staged bytes, then pumps the
// upstream's responses back into the circuit.
func (au *asyncUpstream) run(ckt *Circuit) {
	sock, err := net.Dial("tcp", au.addr)
	if err != nil {
		log.Warn().
			Str("addr", au.addr).
			Err(err).
			Msg("upstream dial failed")
		au.mu.Lock()
		au.failed = true
		au.mu.Unlock()
		return
	}

	au.mu.Lock()
	if au.staged.Len() > 0 {
		if _, err := sock.Write(au.staged.Bytes()); err != nil {
			au.failed = true
			au.mu.Unlock()
			sock.Close()
			return
		}
		au.staged.Reset()
	}
	eof := au.eof
	au.sock = sock
	au.mu.Unlock()

	if eof {
		if tcp, ok := sock.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}

	buf := make([]byte, readChunk)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			if werr := ckt.WriteUpstream(buf[:n]); werr != nil {
				sock.Close()
				return
			}
		}
		if err != nil {
			ckt.UpstreamEOF()
			return
		}
	}
}

// asUpstream adapts a socket to the Upstream interface, degrading to a
// full close when half-close is unavailable.
func asUpstream(sock net.Conn) Upstream {
	if tcp, ok := sock.(*net.TCPConn); ok {
		return tcp
	}
	return fullCloseUpstream{sock}
}

type fullCloseUpstream struct {
	net.Conn
}

func (u fullCloseUpstream) CloseWrite() error {
	return u.Conn.Close()
}
