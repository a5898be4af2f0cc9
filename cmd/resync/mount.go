package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/funkey/resync/internal/config"
	"github.com/funkey/resync/internal/logging"
	"github.com/funkey/resync/pkg/cache"
	"github.com/funkey/resync/pkg/fuse"
)

func cmdMount(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	cfg, err := config.Load(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() > 0 {
		cfg.MountPoint = fs.Arg(0)
	}
	if cfg.MountPoint == "" {
		return errors.New("mount point is required")
	}

	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.L()

	if err := unix.Access("/dev/fuse", unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("cannot use /dev/fuse: %w", err)
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	serveMetrics(ctx, cfg.MetricsAddr, logging.Named("metrics"))

	store, err := sess.scan()
	if err != nil {
		return err
	}
	files := cache.New(sess.renderer(), store, cfg.CacheMaxSize, logging.Named("cache"))

	var restarter fuse.Restarter
	if sess.device != nil {
		restarter = sess.device
	}
	core := fuse.New(store, files, restarter, fuse.Options{
		NoRestart: cfg.NoRestart,
		Log:       logging.Named("fuse"),
	})

	server, err := fuse.Mount(cfg.MountPoint, core, fuse.MountOptions{
		AllowOther:    cfg.AllowOther,
		Debug:         cfg.Debug,
		MultiThreaded: cfg.MultiThreaded,
	})
	if err != nil {
		return err
	}

	log.Info("filesystem mounted",
		logging.String("mountpoint", cfg.MountPoint),
		logging.Int("entries", store.Count()),
		logging.String("renderer", cfg.Renderer),
	)
	log.Info("press Ctrl+C or unmount to finish")

	go func() {
		<-ctx.Done()
		log.Info("unmounting")
		if err := server.Unmount(); err != nil {
			log.Error("unmount failed", logging.Err(err))
		}
	}()
	server.Wait()

	// The signal context may already be cancelled; writing back must not be.
	return core.Destroy(context.WithoutCancel(ctx))
}
