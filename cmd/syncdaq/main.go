package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/usnistgov/syncdaq"
	"github.com/usnistgov/syncdaq/internal/sessiondb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper tells viper where to find the config file, or reads the one named
// by configFile when it is not empty.
func setupViper(configFile string) error {
	syncdaq.SetDefaults()
	viper.SetDefault("database.addr", sessiondb.DefaultOptions().Addr)
	viper.SetDefault("database.dialtimeout", sessiondb.DefaultOptions().DialTimeout)

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dotSyncdaq := filepath.Join(home, ".syncdaq")
		const filename string = "config"
		const suffix string = ".yaml"
		if _, err := makeFileExist(dotSyncdaq, filename+suffix); err != nil {
			return err
		}
		viper.SetConfigName(filename)
		viper.AddConfigPath(filepath.FromSlash("/etc/syncdaq"))
		viper.AddConfigPath(dotSyncdaq)
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return logger
}

// serveMetrics exposes reg on addr until the process ends.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		syncdaq.ProblemLogger.Printf("metrics server on %s: %v", addr, err)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1)
	syncdaq.Build.Date = buildDate
	syncdaq.Build.Githash = githash
	syncdaq.Build.Gitdate = gitdate
	syncdaq.Build.Summary = fmt.Sprintf("SYNCDAQ version %s (git commit %s of %s)", syncdaq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		syncdaq.Build.Host = host
	} else {
		syncdaq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "read this config file instead of searching for config.yaml")
	duration := flag.Duration("duration", 0, "stop a continuous session after this long (0 runs until interrupted)")
	tracePath := flag.String("trace", "", "write a CSV line per fetch to this file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is SYNCDAQ version %s\n", syncdaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is SYNCDAQ version %s (git commit %s)\n", syncdaq.Build.Version, githash)
	fmt.Print(banner)

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(home, ".syncdaq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	syncdaq.ProblemLogger = startLogger(problemname)
	syncdaq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	syncdaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(*configFile); err != nil {
		panic(err)
	}
	if err := run(*duration, *tracePath); err != nil {
		fmt.Fprintf(os.Stderr, "session failed: %v\n", err)
		syncdaq.ProblemLogger.Printf("session failed: %v", err)
		os.Exit(1)
	}
}

// run performs the one session described by the config file.
func run(duration time.Duration, tracePath string) error {
	settings, err := syncdaq.LoadSettings()
	if err != nil {
		return err
	}
	plan, err := syncdaq.LoadPlan("session")
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := syncdaq.NewMetrics(reg)
	if settings.MetricsAddress != "" {
		go serveMetrics(settings.MetricsAddress, reg)
	}

	abort := make(chan struct{})
	db := sessiondb.Dummy()
	defer func() {
		close(abort)
		db.Wait()
	}()
	updates := make(chan syncdaq.ClientUpdate)
	updaterDone := make(chan struct{})
	go func() {
		defer close(updaterDone)
		if err := syncdaq.RunClientUpdater(updates, settings.StatusPort, abort); err != nil {
			syncdaq.ProblemLogger.Printf("status publisher: %v", err)
			// Keep reading so the session never blocks on its updates.
			for range updates {
			}
		}
	}()

	opts := []syncdaq.Option{
		syncdaq.WithStatusUpdates(updates),
		syncdaq.WithMetrics(metrics),
	}
	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			return err
		}
		trace := syncdaq.NewBacklogTrace(f)
		defer trace.Close()
		opts = append(opts, syncdaq.WithBacklogTrace(trace))
	}

	id := sessiondb.NewID()
	if settings.DatabaseEnabled {
		session := &sessiondb.SessionMessage{
			ID:        id,
			Hostname:  syncdaq.Build.Host,
			Githash:   githash,
			Version:   syncdaq.Build.Version,
			GoVersion: runtime.Version(),
			Channels:  len(plan.Instruments),
			Start:     time.Now(),
		}
		dbopts := sessiondb.Options{
			Addr:        viper.GetString("database.addr"),
			DialTimeout: viper.GetDuration("database.dialtimeout"),
		}
		db = sessiondb.Start(session, dbopts, abort)
		if !db.IsConnected() {
			syncdaq.ProblemLogger.Printf("session database not connected: %v", db.Err())
		}
	}
	opts = append(opts, syncdaq.WithSessionID(id), syncdaq.WithSessionRecorder(db))
	coord, err := syncdaq.NewCoordinator(settings, opts...)
	if err != nil {
		return err
	}

	bus := syncdaq.NewTriggerBus()
	if _, err := syncdaq.BuildSimulatedSession(plan, coord, bus, syncdaq.RealClock{}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	fmt.Printf("Starting session %s (%q) with %d instruments\n", coord.ID(), plan.Name, len(plan.Instruments))
	result, runErr := coord.Run(ctx)
	close(updates)
	<-updaterDone

	if result != nil {
		dir, err := syncdaq.SaveSession(settings.OutputBasePath, result, plan)
		if err != nil {
			syncdaq.ProblemLogger.Printf("saving session %s: %v", result.ID, err)
		} else {
			fmt.Printf("Session stored in %s\n", dir)
		}
		for _, name := range coord.ChannelNames() {
			cr := result.Channels[name]
			if cr == nil {
				continue
			}
			fmt.Printf("  %-12s %-10s %8d samples  mean %.6g  max backlog %d\n",
				name, cr.State, cr.Stats.Fetched, cr.Summary.MeanPrimary, cr.Stats.MaxBacklog)
		}
	}
	return runErr
}
