package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/OCAP2/worldmap/internal/config"
	"github.com/OCAP2/worldmap/internal/imageinfo"
	"github.com/OCAP2/worldmap/internal/influx"
	"github.com/OCAP2/worldmap/internal/logging"
	"github.com/OCAP2/worldmap/internal/lore"
	"github.com/OCAP2/worldmap/internal/mapsync"
	"github.com/OCAP2/worldmap/internal/monitor"
	"github.com/OCAP2/worldmap/internal/objectstore"
	intOtel "github.com/OCAP2/worldmap/internal/otel"
	"github.com/OCAP2/worldmap/internal/shell"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/internal/storage/backend"
)

const appName = "worldmap"

// app holds everything a subcommand needs. Fields are filled by newApp in
// dependency order and released by close in reverse.
type app struct {
	logs    *logging.SlogManager
	logger  *slog.Logger
	zlog    zerolog.Logger
	logFile *os.File
	otel    *intOtel.Provider
	graylog *gelf.Writer
	metrics *influx.Manager

	remote   storage.RemoteStore
	fallback storage.FallbackStore
	ctrl     *mapsync.Controller
	objects  storage.ObjectStore
	images   *imageinfo.Fetcher
	lore     *lore.Client
	auth     shell.Authenticator

	// credential is the secret presented by one-shot admin commands.
	credential string
}

type globalOptions struct {
	configDir   string
	adminSecret string
}

func newApp(opts globalOptions) (*app, error) {
	cfgErr := config.Load(opts.configDir)

	a := &app{}
	var ctrlRef atomic.Pointer[mapsync.Controller]

	if err := a.setupLogging(&ctrlRef); err != nil {
		return nil, err
	}
	if cfgErr != nil {
		a.logger.Warn("Config file not loaded, using defaults", "dir", opts.configDir, "error", cfgErr)
	}

	var observer mapsync.Observer
	if ic := config.GetInfluxConfig(); ic.Enabled {
		a.metrics = influx.NewManager(ic, a.zlog)
		if err := a.metrics.Connect(context.Background()); err != nil {
			a.logger.Warn("InfluxDB sink disabled", "error", err)
			a.metrics = nil
		} else {
			observer = a.metrics
		}
	}

	remote, err := backend.NewRemote(config.GetRemoteConfig(), a.logger, a.zlog)
	switch {
	case errors.Is(err, storage.ErrConfigurationMissing):
		a.logger.Warn("Remote store not configured", "reason", err)
	case err != nil:
		remote = backend.Unavailable(err)
	}
	a.remote = remote

	a.fallback, err = backend.NewFallback(config.GetFallbackConfig(), a.zlog)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}

	syncCfg := config.GetSyncConfig()
	policy, err := mapsync.ParsePolicy(syncCfg.TimeoutPolicy)
	if err != nil {
		a.close()
		return nil, err
	}
	a.ctrl, err = mapsync.New(mapsync.Dependencies{
		Remote:   a.remote,
		Fallback: a.fallback,
		Logger:   a.logger,
		Observer: observer,
	}, mapsync.Options{
		ConnectTimeout: syncCfg.ConnectTimeout,
		TimeoutPolicy:  policy,
		DocumentPath:   config.GetRemoteConfig().Path,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	ctrlRef.Store(a.ctrl)

	oc := config.GetObjectStoreConfig()
	a.images = imageinfo.NewFetcher(oc.Timeout)
	if oc.BaseURL != "" {
		a.objects = objectstore.New(oc.BaseURL, oc.APIKey, oc.Timeout)
	} else {
		a.logger.Info("Object store not configured, images are embedded as data URLs")
		a.objects = objectstore.Inline{}
	}
	a.lore = lore.New(config.GetLoreConfig(), a.logger)

	a.auth = shell.NewSharedSecret(config.AdminSecret())
	a.credential = opts.adminSecret

	return a, nil
}

func (a *app) setupLogging(ctrlRef *atomic.Pointer[mapsync.Controller]) error {
	level := viper.GetString("logLevel")

	var logOut io.Writer
	if dir := viper.GetString("logsDir"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs dir: %w", err)
		}
		f, err := os.OpenFile(logging.LogFilePath(dir, appName, time.Now()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		logOut = f
	}

	otelCfg := intOtel.FromConfig(config.GetOTelConfig(), logOut)
	provider, err := intOtel.New(otelCfg)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.otel = provider

	opts := []logging.Option{
		logging.WithContext(logging.Connectivity(func() string {
			if c := ctrlRef.Load(); c != nil {
				return c.Connectivity()
			}
			return "starting"
		})),
	}
	if lp := provider.LoggerProvider(); lp != nil {
		opts = append(opts, logging.WithOTel(lp))
	}
	if gc := config.GetGraylogConfig(); gc.Enabled {
		if w, err := logging.NewGraylogWriter(gc.Address); err == nil {
			a.graylog = w
			opts = append(opts, logging.WithGELF(w, ""))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	a.logs = logging.NewSlogManager()
	a.logs.Setup(logOut, level, opts...)
	a.logger = a.logs.Logger()

	zout := logOut
	if zout == nil {
		zout = os.Stderr
	}
	a.zlog = logging.NewZerolog(zout, level, false)
	return nil
}

func (a *app) session() *shell.Session {
	return shell.New(shell.Deps{
		Controller: a.ctrl,
		Auth:       a.auth,
		Objects:    a.objects,
		Lore:       a.lore,
		Images:     a.images,
		Logger:     a.logger,
	})
}

// startMonitor samples the map status until the returned service is stopped.
func (a *app) startMonitor(queueLen func() int) *monitor.Service {
	mc := config.GetMonitorConfig()
	deps := monitor.Dependencies{
		Logger:     a.logger,
		QueueLen:   queueLen,
		StatusFile: mc.StatusFile,
		Interval:   mc.Interval,
	}
	if a.ctrl != nil {
		deps.Source = a.ctrl
	}
	if a.metrics != nil {
		deps.Points = a.metrics
	}
	svc := monitor.NewService(deps)
	if err := svc.Start(); err != nil {
		a.logger.Error("Failed to start status monitor", "error", err)
	}
	return svc
}

// adminSession returns a session logged in with the --admin-secret flag.
func (a *app) adminSession() (*shell.Session, error) {
	s := a.session()
	if a.credential == "" {
		return nil, fmt.Errorf("%w: pass -admin-secret", shell.ErrNotAdmin)
	}
	if err := s.Login(a.credential); err != nil {
		return nil, err
	}
	return s, nil
}

// start connects the controller and waits until it leaves connecting.
func (a *app) start(ctx context.Context) error {
	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}
	wait := config.GetSyncConfig().ConnectTimeout + 2*time.Second
	select {
	case <-a.ctrl.Ready():
	case <-time.After(wait):
		return fmt.Errorf("map data not ready after %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// startWritable is start for commands that mutate the map.
func (a *app) startWritable(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	if st := a.ctrl.State(); !st.Writable() {
		return fmt.Errorf("map is %s: %v", st, st.Reason)
	}
	return nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.ctrl != nil {
		_ = a.ctrl.Close()
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.logger.Warn("Failed to close remote store", "error", err)
		}
	}
	if a.fallback != nil {
		if err := a.fallback.Close(); err != nil {
			a.logger.Warn("Failed to close local storage", "error", err)
		}
	}
	if a.metrics != nil {
		_ = a.metrics.Close()
	}
	if a.logs != nil {
		_ = a.logs.Flush(ctx)
	}
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
	if a.graylog != nil {
		_ = a.graylog.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
