package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/execbox/sandbox/engine"
	"github.com/execbox/sandbox/packet"
	"github.com/execbox/sandbox/server"
)

func main() {
	app := &cli.App{
		Name:  "sandboxd",
		Usage: "the sandbox execution server for running commands against remote sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:  "default-root",
				Usage: "Root path for sessions initialized without one.",
				Value: "/",
			},
			&cli.StringFlag{
				Name:  "session-ttl",
				Usage: "Idle duration after which sessions are reaped, e.g. 30m. Empty disables reaping.",
			},
			&cli.StringFlag{
				Name:  "wait-timeout",
				Usage: "Default timeout for wait-mode commands.",
				Value: "10s",
			},
			&cli.StringFlag{
				Name:  "shell",
				Usage: "Shell used to interpret command lines.",
				Value: "/bin/sh",
			},
			&cli.StringFlag{
				Name:  "verify-key",
				Usage: "Path to a PEM public key; when set, POST bodies must carry a valid packet signature.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			waitTimeout, err := time.ParseDuration(ctx.String("wait-timeout"))
			if err != nil {
				return fmt.Errorf("parsing wait timeout: %w", err)
			}

			opts := []server.Option{
				server.WithListenAddr(ctx.String("listen-addr")),
				server.WithDefaultRoot(ctx.String("default-root")),
				server.WithEngineOptions(
					engine.WithShell(ctx.String("shell")),
					engine.WithDefaultWaitTimeout(waitTimeout),
				),
			}

			if ttlStr := ctx.String("session-ttl"); ttlStr != "" {
				ttl, err := time.ParseDuration(ttlStr)
				if err != nil {
					return fmt.Errorf("parsing session TTL: %w", err)
				}
				opts = append(opts, server.WithSessionTTL(ttl))
			}
			if keyPath := ctx.String("verify-key"); keyPath != "" {
				pemBytes, err := os.ReadFile(keyPath)
				if err != nil {
					return fmt.Errorf("reading verify key: %w", err)
				}
				verifier, err := packet.VerifierFromPublicKeyPEM(pemBytes)
				if err != nil {
					return fmt.Errorf("parsing verify key: %w", err)
				}
				opts = append(opts, server.WithPacketVerifier(verifier))
			}
			if ctx.Bool("debug") {
				opts = append(opts, server.WithLogLevel(zapcore.DebugLevel))
			}

			s, err := server.New(opts...)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}
			return s.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
