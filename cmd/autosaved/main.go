// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/skigim/nightingale-autosave/internal/autosave"
	"github.com/skigim/nightingale-autosave/internal/broadcast"
	"github.com/skigim/nightingale-autosave/internal/capability"
	"github.com/skigim/nightingale-autosave/internal/config"
	"github.com/skigim/nightingale-autosave/internal/kvstore"
	"github.com/skigim/nightingale-autosave/internal/logging"
	"github.com/skigim/nightingale-autosave/internal/model"
	"github.com/skigim/nightingale-autosave/internal/server"
)

var (
	// buildVersion is set at build time via -ldflags "-X main.buildVersion=<version>"
	buildVersion = "dev"
	workDir      = flag.String("work-dir", "", "Working directory (default: ~/.nightingale-autosave)")
	configPath   = flag.String("config", "", "Path to TOML config file")
	address      = flag.String("address", "", "The address to bind the control server to")
	port         = flag.Int("port", 0, "The port to bind the control server to")
	transport    = flag.String("transport", "", "Transport mode: sse or stdio")
	logLevel     = flag.String("log-level", "", "Logging level: debug, info, warn, error, fatal")
	showVersion  = flag.Bool("version", false, "Show version information and exit")
	saveDir      = flag.String("save-dir", "", "Directory to grant for saves (stands in for the directory picker)")
	fileName     = flag.String("file-name", "", "Name of the JSON document written to the save directory")
)

func main() {
	flag.Parse()

	cfg := loadConfig()

	if buildVersion != "" {
		cfg.Server.Version = buildVersion
	}

	if *showVersion {
		log.Printf("%s version %s", cfg.Server.Name, cfg.Server.Version)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := createApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	waitForSignal(cancel, app)
}

// loadConfig loads configuration from defaults, file, environment, and flags
func loadConfig() *config.Config {
	cfg := config.DefaultConfig()

	if *configPath != "" {
		if err := config.LoadFile(cfg, *configPath); err != nil {
			log.Fatalf("Invalid configuration file: %v", err)
		}
	}

	config.FromEnv(cfg)
	applyCommandLineFlagsToConfig(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg
}

// applyCommandLineFlagsToConfig applies command line flags to the configuration
func applyCommandLineFlagsToConfig(cfg *config.Config) {
	wd := *workDir
	if wd == "" {
		home := os.Getenv("HOME")
		if home == "" {
			// Fallback to current directory if HOME is unset
			home, _ = os.Getwd()
		}
		wd = filepath.Join(home, ".nightingale-autosave")
	}
	_ = os.MkdirAll(wd, 0o755)

	if *address != "" {
		cfg.Server.Address = *address
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *transport != "" {
		cfg.Server.TransportMode = *transport
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *fileName != "" {
		cfg.Storage.FileName = *fileName
	}
	// Always place the embedded store, channel, and logs in work-dir
	cfg.Logging.FilePath = filepath.Join(wd, "autosaved.log")
	if cfg.Storage.KVPath == "" {
		cfg.Storage.KVPath = filepath.Join(wd, "autosave.db")
	}
	if cfg.Storage.ChannelPath == "" {
		cfg.Storage.ChannelPath = filepath.Join(wd, "autosave-channel.json")
	}
}

// snapshotHolder retains the most recent snapshot pushed by the UI process.
// Get is side-effect free, as the data-provider contract requires.
type snapshotHolder struct {
	mu   sync.Mutex
	data []byte
}

func (h *snapshotHolder) Set(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = data
}

func (h *snapshotHolder) Get() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Application represents the running application
type Application struct {
	cfg     *config.Config
	service autosave.Service
	server  *server.MCPServer
	gate    *capability.Gate
	kv      *kvstore.Store
	channel *broadcast.Channel
	logger  *logging.Logger
	saveDir string
}

// createApp creates a new application instance
func createApp(cfg *config.Config) (*Application, error) {
	var logger *logging.Logger
	if cfg.Logging.FilePath != "" {
		var err error
		logger, err = logging.FileLogger(cfg.Logging.FilePath, logging.ParseLevel(cfg.Logging.Level))
		if err != nil {
			return nil, err
		}
	} else {
		logger = logging.New(logging.Options{Level: logging.ParseLevel(cfg.Logging.Level)})
	}
	logging.SetDefaultLogger(logger)

	kv, err := kvstore.Open(cfg.Storage.KVPath, kvstore.WithMkdirAll())
	if err != nil {
		return nil, err
	}

	// The -save-dir flag stands in for the user-gesture directory picker.
	grantDir := *saveDir
	picker := func(ctx context.Context) (string, bool, error) {
		if grantDir == "" {
			return "", false, nil
		}
		return grantDir, true, nil
	}
	gate := capability.NewGate(
		capability.NewDirProvider(picker),
		capability.NewStore(kv),
	)

	channel, err := broadcast.NewChannel(cfg.Storage.ChannelPath, cfg.Server.Name)
	if err != nil {
		kv.Close()
		return nil, err
	}

	svc := autosave.New(cfg, gate, kv, channel)

	holder := &snapshotHolder{}
	svc.SetDataProvider(holder.Get)
	svc.SetStatusCallback(func(ev model.StatusEvent) {
		logger.Infof("autosave status: %s (%s)", ev.Status, ev.Message)
	})
	svc.SetErrorCallback(func(err error) {
		logger.Errorf("autosave error: %v", err)
	})

	mcpServer, err := server.NewMCPServer(cfg, svc)
	if err != nil {
		kv.Close()
		return nil, err
	}
	mcpServer.SetSnapshotSink(holder.Set)

	return &Application{
		cfg:     cfg,
		service: svc,
		server:  mcpServer,
		gate:    gate,
		kv:      kv,
		channel: channel,
		logger:  logger,
		saveDir: grantDir,
	}, nil
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {
	// Resume a previously granted directory without a new gesture; if none is
	// stored and a directory was passed on the command line, connect to it.
	state := a.gate.Restore(ctx)
	if state != model.PermissionGranted && a.saveDir != "" {
		if ok, err := a.service.Connect(ctx); err != nil {
			a.logger.Errorf("failed to connect save directory: %v", err)
		} else if ok {
			state = model.PermissionGranted
		}
	}
	a.logger.Infof("directory permission at startup: %s", state)

	a.service.Start(ctx)
	a.logger.Infof("Autosave service started")

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	a.logger.Infof("Control server started")

	return nil
}

// Stop stops the application. The service performs its save-on-unload flush
// inside Stop, before its timers are torn down.
func (a *Application) Stop() error {
	if err := a.service.Stop(); err != nil {
		return err
	}
	a.logger.Infof("Autosave service stopped")

	if err := a.server.Stop(); err != nil {
		a.logger.Errorf("Error stopping control server: %v", err)
		return err
	}
	a.logger.Infof("Control server stopped")

	a.service.Destroy()
	_ = a.channel.Close()
	_ = a.kv.Close()
	return nil
}

// waitForSignal waits for termination signals and performs cleanup
func waitForSignal(cancel context.CancelFunc, app *Application) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signalCh {
		if sig == syscall.SIGHUP {
			// Treat SIGHUP as the view going hidden: save immediately if configured.
			app.service.NotifyVisibilityChange(true)
			continue
		}
		break
	}
	app.logger.Infof("Received termination signal, shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := app.Stop(); err != nil {
			app.logger.Errorf("Error during shutdown: %v", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		app.logger.Infof("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		app.logger.Warnf("Shutdown timed out")
	}
}
