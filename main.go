package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"tvam/config"
	"tvam/engine"
	"tvam/gobReg"
	"tvam/logger"
	"tvam/server"
	"tvam/shell"
)

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func main() {
	configFile := pflag.String("config", "", "Configuration file path")
	serve := pflag.Bool("serve", false, "Serve clients over TCP instead of opening a local shell")
	config.Flags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(*configFile, pflag.CommandLine)
	if err != nil {
		fatal(err)
	}
	if err = logger.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		fatal(err)
	}
	defer logger.Sync()
	gobReg.GobRegMain()

	e, err := engine.Open(cfg.DataDir, cfg.CompactThresh)
	if err != nil {
		fatal(err)
	}

	if *serve {
		err = runServer(e, cfg)
	} else {
		err = runShell(e, cfg, strings.Join(pflag.Args(), " "))
	}
	if closeErr := e.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		logger.Sync()
		fatal(err)
	}
}

func runServer(e *engine.Engine, cfg *config.Config) error {
	srv := server.NewServer(e)
	if err := srv.Listen(cfg.Listen); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	return serve(srv, stop)
}

// serve runs srv until a signal arrives on stop or accepting fails. Either
// way every connection is closed before it returns.
func serve(srv *server.Server, stop <-chan os.Signal) error {
	done := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		select {
		case sig := <-stop:
			logger.Infof("received %s, shutting down", sig)
		case <-done:
		}
		if err := srv.Close(); err != nil {
			logger.Warnf("closing listener: %v", err)
		}
	}()

	err := srv.Serve()
	close(done)
	// sessions must be gone before the engine closes
	<-closed
	return err
}

func runShell(e *engine.Engine, cfg *config.Config, command string) error {
	local := shell.NewLocal(e)
	defer local.Close()

	sh := shell.New(local, os.Stdout)
	if cfg.HistoryFile != "" {
		sh.HistoryPath = cfg.HistoryFile
	}
	if command != "" {
		return sh.Execute(command)
	}
	return sh.Run()
}
