package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpalka/notimirror/internal/config"
	"github.com/jpalka/notimirror/internal/connectivity"
	"github.com/jpalka/notimirror/internal/dispatch"
	"github.com/jpalka/notimirror/internal/filter"
	"github.com/jpalka/notimirror/internal/iconpack"
	"github.com/jpalka/notimirror/internal/logging"
	"github.com/jpalka/notimirror/internal/mirror"
	"github.com/jpalka/notimirror/internal/shellexec"
	"github.com/jpalka/notimirror/internal/statedb"
	"github.com/jpalka/notimirror/internal/store"
	"github.com/jpalka/notimirror/internal/web"
)

// handleDaemon runs the always-on mirroring daemon.
func handleDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	listenAddr := fs.String("listen", "", "Listen address for the API server (overrides config)")
	token := fs.String("token", "", "Bearer token for API/WS access (overrides config)")
	readOnly := fs.Bool("read-only", false, "Reject mutating API calls")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println("Usage: notimirror daemon [options]")
		fmt.Println()
		fmt.Println("Run the notification mirroring daemon.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", fs.Args())
		os.Exit(1)
	}

	if err := runDaemon(*listenAddr, *token, *readOnly, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(listenAddr, token string, readOnly, debug bool) error {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	if _, err := config.LoadUserConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (using defaults)\n", err)
	}

	logCfg := config.GetLogSettings()
	logging.Init(logging.Config{
		LogDir:     filepath.Join(dataDir, "logs"),
		Level:      logCfg.Level,
		Format:     logCfg.Format,
		MaxSizeMB:  logCfg.MaxSizeMB,
		MaxBackups: logCfg.Backups,
		MaxAgeDays: logCfg.RetentionDays,
		Compress:   logCfg.GetCompress(),
		Debug:      debug,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	storageCfg := config.GetStorageSettings()
	db, err := statedb.Open(storageCfg.Path)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	st := store.New(db, storageCfg.MaxRecords)
	st.Load()

	evaluator := filter.NewEvaluator(st)
	tracker := mirror.NewTracker()
	builder := mirror.NewBuilder(iconpack.NewResolver())

	gateCfg := config.GetGateSettings()
	connSignal := connectivity.NewSignal()
	gate := connectivity.NewGate(connSignal, gateCfg.CarOnly)
	if gateCfg.StateFile != "" {
		watcher, err := connectivity.NewWatcher(gateCfg.StateFile, connSignal)
		if err != nil {
			log.Warn("connectivity_watcher_disabled", slog.String("error", err.Error()))
		} else {
			go watcher.Start()
			defer watcher.Stop()
		}
	}

	shellCfg := config.GetShellSettings()
	executor := shellexec.NewExecutor(time.Duration(shellCfg.TimeoutSecs) * time.Second)
	profiles := shellexec.NewProfileCache(executor, shellCfg.ProfileListCommand)

	webCfg := config.GetWebSettings()
	if listenAddr != "" {
		webCfg.Listen = listenAddr
	}
	if token != "" {
		webCfg.Token = token
	}
	if readOnly {
		webCfg.ReadOnly = true
	}

	pushCfg := config.GetPushSettings()
	serverCfg := web.Config{
		ListenAddr:        webCfg.Listen,
		ReadOnly:          webCfg.ReadOnly,
		Token:             webCfg.Token,
		JWTSecret:         webCfg.JWTSecret,
		DataDir:           dataDir,
		PushEnabled:       pushCfg.Enabled,
		PushSubscriber:    pushCfg.Subscriber,
		PushRatePerSecond: pushCfg.RatePerSecond,
	}
	if pushCfg.Enabled {
		publicKey, privateKey := pushCfg.VAPIDPublicKey, pushCfg.VAPIDPrivateKey
		if publicKey == "" || privateKey == "" {
			publicKey, privateKey, _, err = web.EnsurePushVAPIDKeys(dataDir, pushCfg.Subscriber)
			if err != nil {
				return fmt.Errorf("prepare push keys: %w", err)
			}
		}
		serverCfg.PushVAPIDPublicKey = publicKey
		serverCfg.PushVAPIDPrivateKey = privateKey
	}

	server := web.NewServer(serverCfg, web.Deps{
		Store:    st,
		Profiles: profiles,
		Gate:     gate,
		Signal:   connSignal,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Store:    st,
		Filters:  evaluator,
		Tracker:  tracker,
		Builder:  builder,
		Sink:     server.Sink(),
		Gate:     gate,
		Profiles: profiles,
		OnEvent:  server.BroadcastEvent,
	})
	server.AttachDispatcher(dispatcher)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("daemon_started",
			slog.String("version", Version),
			slog.String("listen", server.Addr()),
			slog.String("db", storageCfg.Path))
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	trackerCfg := config.GetTrackerSettings()
	if trackerCfg.SweepIntervalSecs > 0 {
		g.Go(func() error {
			dispatcher.RunSweeper(gctx,
				time.Duration(trackerCfg.SweepIntervalSecs)*time.Second,
				server.FetchSnapshot)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("daemon_stopped")
	return nil
}
