// dordb is the database server of a godor cluster.
//
//	dordb -configfile godor.ini [-log debug] [-d]
//
// It reads [repository] dc_files, [dbserver], [storage] and [kvdb] from the
// config file and serves AI / UD participants on every configured listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaonanln/godor/components/dbserver"
	"github.com/xiaonanln/godor/engine/binutil"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/kvdb"
	"github.com/xiaonanln/godor/engine/sched"
	"github.com/xiaonanln/godor/engine/storage"
)

var args struct {
	configFile      string
	logLevel        string
	pidFile         string
	runInDaemonMode bool
}

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, will override log level in config")
	flag.StringVar(&args.pidFile, "pidfile", "dordb.pid", "pid file in daemon mode")
	flag.BoolVar(&args.runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
}

func main() {
	parseArgs()
	if args.runInDaemonMode {
		daemoncontext := binutil.Daemonize(args.pidFile)
		defer daemoncontext.Release()
	}
	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}

	cfg := config.GetDBServer()
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	binutil.SetupGWLog("dordb", logLevel, cfg.LogFile, cfg.LogStderr)
	gwlog.Infof("dbserver config: \n%s", config.DumpPretty(cfg))

	rc := config.GetRepository()
	sources := make([]interface{}, len(rc.DCFiles))
	for i, f := range rc.DCFiles {
		sources[i] = f
	}
	reg, err := dc.Load(dc.RoleDB, sources...)
	if err != nil {
		gwlog.Fatalf("load dc files %v: %v", rc.DCFiles, err)
	}

	storage.Initialize(config.GetStorage())
	if kvdb.Initialize(config.GetKVDB()) {
		gwlog.Infof("next doId kept in kvdb")
	}

	tm := sched.NewTaskManager()
	srv := dbserver.NewServer(cfg, reg, tm)
	if rc.DBChannel != 0 {
		srv.Channel = rc.DBChannel
	}
	startListeners(srv, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	setupSignals(cancel)
	binutil.LogProcessStats(ctx, cfg.StatsInterval)

	srv.Start()
	gwlog.Infof("dordb started on channel %d, dc hash %d", srv.Channel, reg.Hash())
	tm.Run(ctx)

	gwlog.Infof("Terminating dordb ...")
	srv.Stop()
	storage.Shutdown()
	if kvdb.IsEnabled() {
		kvdb.Close()
		kvdb.WaitTerminated()
	}
	gwlog.Infof("dordb terminated gracefully.")
}

func startListeners(srv *dbserver.Server, cfg *config.DBServerConfig) {
	if cfg.ListenAddr != "" {
		if _, err := srv.ListenTCP(cfg.ListenAddr); err != nil {
			gwlog.Fatalf("%v", err)
		}
	}
	if cfg.KCPAddr != "" {
		if _, err := srv.ListenKCP(cfg.KCPAddr); err != nil {
			gwlog.Fatalf("%v", err)
		}
	}
	if cfg.NATSUrl != "" {
		if err := srv.ListenNATS(cfg.NATSUrl, cfg.NATSSubject); err != nil {
			gwlog.Fatalf("%v", err)
		}
	}
	if cfg.HTTPPort != 0 && cfg.WSPath != "" {
		http.Handle(cfg.WSPath, srv)
		gwlog.Infof("websocket participants on ws://%s%s", fmt.Sprintf("%s:%d", cfg.HTTPIp, cfg.HTTPPort), cfg.WSPath)
	}
	binutil.SetupHTTPServer(cfg.HTTPIp, cfg.HTTPPort)
}

func setupSignals(cancel context.CancelFunc) {
	gwlog.Infof("Setup signals ...")
	signalChan := make(chan os.Signal, 1)
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			sig := <-signalChan
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				cancel()
				return
			}
			gwlog.Errorf("unexpected signal: %s", sig)
		}
	}()
}
