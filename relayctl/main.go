package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/parcelgrid/collab/collab"
	"github.com/parcelgrid/collab/relay"
)

const RelayCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	usage := `Collab session relay control.

Usage:
    relayctl run [--port=<port>]
        [--auth_secret=<auth_secret>]
        [--ping_timeout=<ping_timeout>]
        [--outbox_size=<outbox_size>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --port=<port>                    Listen port [default: 8090].
    --auth_secret=<auth_secret>      HMAC secret for bearer tokens.
                                     Without a secret a static "dev" token
                                     is accepted. Do not run that way in
                                     production.
    --ping_timeout=<ping_timeout>    Seconds of silence before a connection
                                     is dropped [default: 30].
    --outbox_size=<outbox_size>      Per recipient broadcast buffer
                                     [default: 64].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	pingTimeout, _ := opts.Int("--ping_timeout")
	outboxSize, _ := opts.Int("--outbox_size")

	var authenticator relay.Authenticator
	if authSecret, err := opts.String("--auth_secret"); err == nil && authSecret != "" {
		authenticator = relay.NewJwtAuthenticator([]byte(authSecret))
	} else {
		Err.Printf("no auth secret set, accepting the static \"dev\" token")
		authenticator = relay.NewStaticAuthenticator("dev")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := relay.DefaultRelaySettings()
	settings.PingTimeout = time.Duration(pingTimeout) * time.Second
	settings.OutboxSize = outboxSize

	channelSettings := collab.DefaultWsChannelSettings()
	// the read deadline must outlast the protocol ping window
	channelSettings.ReadTimeout = 2 * settings.PingTimeout

	registry := relay.NewRegistry(collab.SystemClock())
	sessionRelay := relay.NewRelay(ctx, registry, authenticator, settings)
	defer sessionRelay.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           relay.NewHandler(sessionRelay, channelSettings),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	Out.Printf("relay listening on :%d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Fatalf("server error = %s", err)
	}
}
