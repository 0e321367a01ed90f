// Command ws-echo serves an echo endpoint over WebSocket sessions, then dials
// itself and issues one correlated request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"

	session "github.com/bminer/ws-session-go"
	"github.com/bminer/ws-session-go/adapters/coder"
	"github.com/bminer/ws-session-go/adapters/gorilla"
	"github.com/bminer/ws-session-go/internal/logging"
	"github.com/bminer/ws-session-go/message"
	"github.com/bminer/ws-session-go/workpool"
)

// TypeEcho is the frame type answered by the echo handler.
const TypeEcho uint16 = 1

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := session.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = session.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	log := logging.NewStderr(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg, log); err != nil {
		log.Error("ws-echo failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg session.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := workpool.New(cfg.Workers, log)
	defer pool.Close()

	// Server side: an echo handler for TypeEcho requests.
	mux := message.NewMux(log).Handle(TypeEcho,
		func(ctx context.Context, req *message.Frame) ([]byte, error) {
			return req.Data, nil
		})
	opts := session.OptionsFromConfig(cfg, message.Factory{}, log, pool)
	wsServer := session.NewServer(opts).
		OnMessage(mux.ServeMessage).
		OnConnect(func(_ error, s *session.Session) {
			log.Info("session connected", "session", s)
		}).
		OnDisconnect(func(_ error, s *session.Session) {
			log.Info("session disconnected", "session", s, "reason", s.DropReason())
		})
	defer wsServer.Close()
	go wsServer.KeepAlive(ctx, cfg.KeepAliveInterval)

	httpMux := http.NewServeMux()
	httpMux.Handle(cfg.Path, wsServer.Handler(func() session.Stream {
		st := coder.Upgrader(&websocket.AcceptOptions{})
		st.SetReadLimit(cfg.ReadLimit)
		return st
	}))

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: httpMux}
	go func() {
		log.Info("listening", "url", "ws://"+listener.Addr().String()+cfg.Path)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "error", err)
		}
	}()
	defer httpServer.Close()

	// Client side: dial ourselves with the gorilla adapter.
	if err := echoOnce(ctx, cfg, log, pool, "ws://"+listener.Addr().String()+cfg.Path); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func echoOnce(
	ctx context.Context, cfg session.Config, log *slog.Logger, pool *workpool.Pool, url string,
) error {
	stream, err := gorilla.Dial(ctx, url, nil, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	client := session.NewServer(session.OptionsFromConfig(cfg, message.Factory{}, log, pool))
	defer client.Close()
	sess, err := client.Connect(stream, url)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	req := message.NewFrame(TypeEcho, []byte("Hello, world!"))
	err = sess.Send(req, session.SendOptions{Timeout: 5 * time.Second},
		func(err error, msg session.Message, _ *session.Session) {
			if err != nil {
				done <- err
				return
			}
			log.Info("echo response", "frame", msg.(*message.Frame))
			done <- nil
		})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
