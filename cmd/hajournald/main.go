// Command hajournald runs one replica of the replicated journal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hajournal/hajournal/cmd/hajournald/run"
	"github.com/hajournal/hajournal/kit/cli"
)

// Build metadata, set at link time.
var (
	version   = "unknown"
	commit    = "unknown"
	branch    = "unknown"
	buildTime = "unknown"
)

var flags struct {
	configPath  string
	bindAddress string
	dir         string
	logLevel    string
}

func main() {
	prog := &cli.Program{
		Name: "hajournald",
		Run:  runServer,
		Opts: []cli.Opt{
			{DestP: &flags.configPath, Flag: "config", Default: "", Desc: "path to the TOML configuration file"},
			{DestP: &flags.bindAddress, Flag: "bind-address", Default: "", Desc: "bind address for the replication endpoints"},
			{DestP: &flags.dir, Flag: "dir", Default: "", Desc: "journal data directory"},
			{DestP: &flags.logLevel, Flag: "log-level", Default: "", Desc: "log level: debug, info, warn or error"},
		},
	}

	cmd := cli.NewCommand(prog)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := config.Logging.New(os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()

	server, err := run.NewServer(config, &run.BuildInfo{
		Version: version,
		Commit:  commit,
		Branch:  branch,
		Time:    buildTime,
	})
	if err != nil {
		return err
	}
	server.WithLogger(log)

	if err := server.Open(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)

	select {
	case <-sigs:
		log.Info("Shutting down on signal")
	case err := <-server.Err():
		log.Error("Server failed", zap.Error(err))
	}

	return server.Close()
}

// loadConfig builds the effective config: the TOML file (or demo defaults),
// then environment overrides, then command line flags.
func loadConfig() (*run.Config, error) {
	var config *run.Config
	if flags.configPath != "" {
		config = run.NewConfig()
		if err := config.FromTomlFile(flags.configPath); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", flags.configPath, err)
		}
	} else {
		c, err := run.NewDemoConfig()
		if err != nil {
			return nil, err
		}
		config = c
	}

	if err := config.ApplyEnvOverrides(os.Getenv); err != nil {
		return nil, err
	}

	if flags.bindAddress != "" {
		config.HTTP.BindAddress = flags.bindAddress
	}
	if flags.dir != "" {
		config.Journal.Dir = flags.dir
		// The log directory follows unless the config pinned its own.
		config.HALog.Dir = ""
	}
	if flags.logLevel != "" {
		level, err := zapcore.ParseLevel(flags.logLevel)
		if err != nil {
			return nil, err
		}
		config.Logging.Level = level
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
