package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diamondlightsource/fa-archiver/common/go/xcmd"
	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/frame"
	"github.com/diamondlightsource/fa-archiver/internal/logging"
	"github.com/diamondlightsource/fa-archiver/internal/ring"
	"github.com/diamondlightsource/fa-archiver/internal/server"
	"github.com/diamondlightsource/fa-archiver/internal/sniffer"
	"github.com/diamondlightsource/fa-archiver/internal/telemetry"
	"github.com/diamondlightsource/fa-archiver/internal/transform"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "fa-archiver",
	Short: "Capture, decimate and serve a fast acquisition BPM archive",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ar, err := archive.OpenForWrite(cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to open archive for writing: %w", err)
	}
	defer ar.Close()

	interlock := archive.NewInterlock()

	blockBytes := cfg.FramesPerBlock * frame.Size
	r := ring.New(cfg.RingCapacity, blockBytes, logging.Role(log, "ring"))

	engine := transform.NewEngine(logging.Role(log, "transform"), r, ar, interlock, cfg.FramesPerBlock)

	var openDevice sniffer.OpenFunc
	if cfg.Device == "" {
		dummy := sniffer.NewDummy(50.0, ar.Header.SampleFrequency)
		openDevice = func() (sniffer.Device, error) { return dummy, nil }
	} else {
		openDevice = func() (sniffer.Device, error) {
			return sniffer.OpenDeviceFile(cfg.Device)
		}
	}
	src := sniffer.New(logging.Role(log, "sniffer"), r, openDevice, blockBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(logging.Role(log, "server"), r, ar, interlock, engine.FrameRateHz, cancel)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return engine.Run(ctx)
	})
	wg.Go(func() error {
		return src.Run(ctx)
	})
	wg.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	if cfg.StatusFile != "" {
		publisher := telemetry.NewPublisher(logging.Role(log, "telemetry"), engine, cfg.StatusFile, time.Second)
		wg.Go(func() error {
			return publisher.Run(ctx)
		})
	}
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
