package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aparcar/firmwareforge/internal/api"
	"github.com/aparcar/firmwareforge/internal/build"
	"github.com/aparcar/firmwareforge/internal/config"
	"github.com/aparcar/firmwareforge/internal/flash"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/aparcar/firmwareforge/internal/toolchain"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

// rig bundles the wired core engines a subcommand needs. Built once per
// invocation from the loaded configuration.
type rig struct {
	cfg        *config.Config
	store      *store.Store
	toolchains *toolchain.Cache
	builds     *build.Engine
	flasher    *flash.Engine
}

func newRig() (*rig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tc := toolchain.New(st, toolchain.Config{
		CacheRoot:       cfg.CacheRoot,
		UpstreamURL:     cfg.UpstreamURL,
		OfflineMode:     cfg.OfflineMode,
		DownloadTimeout: time.Duration(cfg.DownloadTimeoutSeconds) * time.Second,
	})

	be := build.New(st, tc, build.Config{
		WorkRoot:      cfg.CacheRoot,
		ArtifactsRoot: cfg.ArtifactsRoot,
		BuildTimeout:  time.Duration(cfg.BuildTimeoutSeconds) * time.Second,
		KillGrace:     time.Duration(cfg.BuildKillGraceSeconds) * time.Second,
		KeepBuildDir:  cfg.KeepBuildDir,
	})

	fe := flash.New(st, flash.Config{
		ChunkBytes: cfg.FlashChunkBytes,
		Timeout:    time.Duration(cfg.FlashTimeoutSeconds) * time.Second,
	})

	return &rig{cfg: cfg, store: st, toolchains: tc, builds: be, flasher: fe}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "firmwarectl",
		Short:         "build and flash OpenWrt firmware images from declarative profiles",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		newServeCommand(),
		newProfileCommand(),
		newToolchainCommand(),
		newBuildCommand(),
		newFlashCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		color.Danger.Printf("error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP/JSON facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			server := api.NewServer(r.store, r.toolchains, r.builds, r.flasher, r.cfg)
			log.Printf("listening on %s:%d", r.cfg.ServerHost, r.cfg.ServerPort)
			return server.Start()
		},
	}
}
