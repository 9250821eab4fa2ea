// Command chop runs one end of the chop circumvention transport.
//
// Usage:
//
//	chop <mode> <up_address> (<down_address> <steg>)...
//
// with mode one of client, socks, or server. A steganographer name is
// required for every down address; the down address list is required
// even in socks mode.
//
// Example:
//
//	chop client 127.0.0.1:5000 192.168.1.99:11253 roundrobin
//	chop server 127.0.0.1:9005 192.168.1.99:11253 roundrobin
//
// The first interrupt begins a graceful shutdown: no new circuits, the
// existing ones drain. A second interrupt tears everything down
// immediately.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	chop "github.com/go-stego/go-chop"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if os.Getenv("CHOP_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := chop.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	transport := chop.NewTransport(cfg)

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info().Msg("shutting down; interrupt again to abort")
		transport.Shutdown(false)
		<-sigc
		log.Warn().Msg("barbaric shutdown")
		transport.Shutdown(true)
	}()

	errc := make(chan error, 1)
	go func() { errc <- transport.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("transport failed")
			os.Exit(1)
		}
	case <-cfg.Done():
	}
}
