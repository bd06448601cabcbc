package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/WangYihang/urlscan-harvester/internal/common"
	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/interface/cli"
	"github.com/WangYihang/urlscan-harvester/pkg/interface/presenter"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
)

func main() {
	// Parse command line flags
	config, err := cli.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if config.ShowVersion {
		fmt.Println(common.PV.String())
		return
	}

	closer, err := logger.Init(logger.Config{
		Level:  config.Log.Level,
		Format: config.Log.Format,
		File:   config.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal drains in-flight work, a second one aborts
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("received interrupt signal, finishing in-flight candidates (interrupt again to abort)")
		cancel()
		<-sigChan
		log.Error().Msg("received second interrupt signal, aborting")
		os.Exit(130)
	}()

	pipeline, err := cli.NewAssembler(config).AssemblePipeline(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to assemble pipeline")
		os.Exit(1)
	}
	log.Info().Str("version", common.PV.Short()).Msg("urlscan harvester starting")

	if config.Dashboard {
		done := make(chan error, 1)
		go func() { done <- pipeline.Run(ctx) }()

		dashboard := presenter.NewDashboard(pipeline, cancel)
		if err := dashboard.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			cancel()
		}
		fmt.Fprintln(os.Stderr, "Finishing in-flight candidates...")
		if err := <-done; err != nil {
			fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		pipeline.AddBackground(presenter.NewProgressMonitor(pipeline, os.Stdout))
	}
	if err := pipeline.Run(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline stopped with errors")
		os.Exit(1)
	}
}
