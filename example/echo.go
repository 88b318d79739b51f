package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Zereker/wsocket"
)

func main() {
	app := &cli.App{
		Name:  "wsocket-echo",
		Usage: "echo server and test peer for the wsocket protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML config file; flags override its values",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "accept one peer, echo its strings and data, and receive its files",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "The address to bind."},
					&cli.UintFlag{Name: "port", Usage: "The port to listen on."},
					&cli.StringFlag{Name: "path", Usage: "The websocket path."},
					&cli.StringFlag{Name: "spool-dir", Usage: "Write received streams to files in this directory."},
					&cli.DurationFlag{Name: "heartbeat", Usage: "Heartbeat interval."},
					&cli.BoolFlag{Name: "replace", Usage: "Replace the active peer instead of rejecting newcomers."},
				},
				Action: serve,
			},
			{
				Name:  "send",
				Usage: "dial a server, send a message and/or a file, and print replies",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "Server URL.", Value: "ws://127.0.0.1:12345/ws"},
					&cli.StringFlag{Name: "message", Usage: "Text to send."},
					&cli.StringFlag{Name: "file", Usage: "File to stream."},
					&cli.DurationFlag{Name: "wait", Usage: "How long to wait for replies.", Value: time.Second},
				},
				Action: send,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func resolveConfig(ctx *cli.Context) (config, error) {
	cfg := defaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		if cfg, err = loadConfig(path); err != nil {
			return config{}, err
		}
	}

	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("host") {
		cfg.Host = ctx.String("host")
	}
	if ctx.IsSet("port") {
		port := ctx.Uint("port")
		if port > 65535 {
			return config{}, errors.Errorf("port %d out of range", port)
		}
		cfg.Port = uint16(port)
	}
	if ctx.IsSet("path") {
		cfg.Path = ctx.String("path")
	}
	if ctx.IsSet("spool-dir") {
		cfg.SpoolDir = ctx.String("spool-dir")
	}
	if ctx.IsSet("heartbeat") {
		cfg.Heartbeat = ctx.Duration("heartbeat")
	}
	if ctx.IsSet("replace") {
		cfg.ReplaceSession = ctx.Bool("replace")
	}
	return cfg, nil
}

func serve(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	policy := wsocket.RejectNewSession
	if cfg.ReplaceSession {
		policy = wsocket.ReplaceSession
	}

	var srv *wsocket.Server
	sessionOpts := []wsocket.Option{
		wsocket.HeartbeatOption(cfg.Heartbeat),
		wsocket.ChunkSizeOption(cfg.ChunkSize),
		wsocket.MaxStreamSizeOption(cfg.MaxStreamSize),
		wsocket.SpoolDirOption(cfg.SpoolDir),
		wsocket.OnMessageOption(func(_ wsocket.MessageType, text string) {
			srv.SendMessage(text)
		}),
		wsocket.OnDataOption(func(t wsocket.MessageType, data []byte) {
			switch t {
			case wsocket.Hello:
				logger.Info("peer greeting", "hello", string(data))
			case wsocket.StreamEnd:
				if cfg.SpoolDir != "" {
					logger.Info("stream received", "path", string(data))
				} else {
					logger.Info("stream received", "bytes", len(data))
				}
			default:
				srv.SendData(data)
			}
		}),
		wsocket.OnStreamErrorOption(func(id uint32, err error) {
			logger.Warn("stream failed", "stream", id, "error", err)
		}),
		wsocket.OnConnStateOption(func(s *wsocket.Session, state wsocket.ConnState, err error) {
			logger.Info("peer state", "session", s.ID(), "state", state, "error", err)
		}),
	}

	srv = wsocket.NewServer(
		wsocket.ServerLoggerOption(logger),
		wsocket.ServerHostOption(cfg.Host),
		wsocket.SessionPolicyOption(policy),
		wsocket.SessionOptions(sessionOpts...),
	)

	if err := srv.Start(cfg.Port, cfg.Path); err != nil {
		return errors.Wrap(err, "start server")
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down server...")
	return srv.Stop()
}

func send(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dialCtx, cancel := context.WithTimeout(ctx.Context, 10*time.Second)
	defer cancel()

	session, err := wsocket.Dial(dialCtx, ctx.String("url"),
		wsocket.LoggerOption(logger),
		wsocket.OnMessageOption(func(_ wsocket.MessageType, text string) {
			logger.Info("reply", "text", text)
		}),
		wsocket.OnDataOption(func(t wsocket.MessageType, data []byte) {
			logger.Info("reply", "type", t, "bytes", len(data))
		}),
	)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx.Context)
	}()

	if msg := ctx.String("message"); msg != "" {
		if err := session.SendMessage(msg); err != nil {
			_ = session.Close()
			return errors.Wrap(err, "send message")
		}
	}

	if file := ctx.String("file"); file != "" {
		if err := session.SendFile(file); err != nil {
			_ = session.Close()
			return errors.Wrap(err, "send file")
		}
	}

	select {
	case <-time.After(ctx.Duration("wait")):
	case err := <-done:
		return err
	}

	_ = session.Close()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
