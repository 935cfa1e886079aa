package main

import (
    "context"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "ttpush/pkg/broker"
    "ttpush/pkg/config"
    "ttpush/pkg/heartbeat"
    "ttpush/pkg/observability"
    "ttpush/pkg/server"
    "ttpush/pkg/session"
    "ttpush/pkg/transport"
    "ttpush/pkg/transport/longpoll"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    if opts.Listen != "" {
        cfg.Server.Listen = opts.Listen
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    // Startup logs + configuration dump
    zap.L().Info("ttpush-server started", zap.String("app", cfg.AppName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    bk := broker.New(broker.Options{BacklogSize: cfg.Transport.BacklogSize})

    // An idle connection past the threshold is torn down through the broker,
    // so its next (or pending) poll observes the aborted batch. Held polls
    // never count as idle; the threshold runs between polls, widened by the
    // delay clients are told to wait before re-polling.
    beat := heartbeat.New(heartbeat.Options{
        DisconnectThreshold: time.Duration(cfg.Heartbeat.DisconnectThresholdMS+cfg.Transport.PollDelayMS) * time.Millisecond,
        SweepInterval:       time.Duration(cfg.Heartbeat.SweepIntervalMS) * time.Millisecond,
        OnDisconnect: func(id transport.ConnectionID) {
            zap.L().Info("connection idle past threshold, aborting", zap.String("conn", string(id)))
            _ = bk.Abort(context.Background(), id)
        },
    })
    go beat.Run(ctx)

    tr := longpoll.New(bk, beat, longpoll.FromConfig(cfg.Transport))

    // A session must outlive one full poll cycle plus the disconnect grace.
    sessionTTL := time.Duration(cfg.Transport.PollTimeoutMS+cfg.Transport.PollDelayMS+cfg.Heartbeat.DisconnectThresholdMS) * time.Millisecond
    sessions := session.New(session.Options{TTL: sessionTTL})
    defer sessions.Close()

    hooksFor := func(id transport.ConnectionID) transport.Hooks {
        conn := zap.String("conn", string(id))
        return transport.Hooks{
            Connected: func(context.Context) error {
                zap.L().Info("connection established", conn)
                return nil
            },
            Reconnected: func(context.Context) error {
                zap.L().Info("connection re-established", conn)
                return nil
            },
            Received: func(_ context.Context, data string) error {
                zap.L().Debug("client data received", conn, zap.Int("bytes", len(data)))
                return nil
            },
            Error: func(err error) {
                zap.L().Warn("transport error", conn, zap.Error(err))
            },
        }
    }

    hs := &http.Server{
        Addr:              cfg.Server.Listen,
        Handler:           server.New(tr, bk, cfg, server.WithHooks(hooksFor), server.WithSessions(sessions)),
        ReadHeaderTimeout: 10 * time.Second,
    }

    errc := make(chan error, 1)
    go func() {
        zap.L().Info("listening", zap.String("addr", cfg.Server.Listen), zap.String("base_path", cfg.Server.BasePath))
        errc <- hs.ListenAndServe()
    }()

    select {
    case <-ctx.Done():
        zap.L().Info("shutdown signal received")
    case err := <-errc:
        if err != nil && !errors.Is(err, http.ErrServerClosed) {
            zap.L().Error("http server failed", zap.Error(err))
            return 1
        }
    }

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    if err := hs.Shutdown(shutdownCtx); err != nil {
        zap.L().Warn("graceful shutdown incomplete", zap.Error(err))
    }
    zap.L().Info("ttpush-server stopped", zap.Any("broker", bk.Metrics()))
    return 0
}
