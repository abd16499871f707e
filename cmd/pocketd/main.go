// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binopt.org/binopt/app"
	"binopt.org/binopt/po"
)

func main() {
	if err := mainCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainCore() error {
	cfg, err := app.ResolveConfig(os.Args[1:])
	if err != nil {
		return err
	}

	lm, closeLogger := app.InitLogging(cfg.LogPath(), cfg.DebugLevel, cfg.LogStdout)
	defer closeLogger()
	log := lm.NewLogger("MAIN")

	opts := cfg.ClientOptions()
	opts.LoggerMaker = lm
	client, err := po.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("shutdown signal received")
		client.Shutdown()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	connectCtx, connectCancel := context.WithTimeout(ctx, time.Minute)
	defer connectCancel()
	if err := client.WaitConnected(connectCtx); err != nil {
		client.Shutdown()
		<-runErr
		return err
	}
	if err := client.WaitForAssets(connectCtx); err != nil {
		log.Warnf("asset table not loaded yet: %v", err)
	}
	if bal, currency, ok := client.Balance(); ok {
		log.Infof("connected to %s, balance %s %s", client.State().Endpoint(), bal, currency)
	} else {
		log.Infof("connected to %s, balance pending", client.State().Endpoint())
	}

	return <-runErr
}
