package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/facedb"
	"github.com/your-org/facerec/internal/observability"
	"github.com/your-org/facerec/internal/storage"
)

// NewRootCmd creates the facectl command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "facectl",
		Short:         "Administer a face catalog",
		Long:          "facectl inspects and edits a face catalog offline. The local data dir is locked while the service runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "catalog directory (overrides config)")
	root.PersistentFlags().BoolP("verbose", "v", false, "log store activity to stderr")

	root.AddCommand(
		newStatsCmd(),
		newListCmd(),
		newShowCmd(),
		newMergeCmd(),
		newRemoveCmd(),
		newSetMetaCmd(),
		newPushFrameCmd(),
		newStreamCmd(),
	)

	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Store.DataDir = dir
		cfg.Store.Backend = config.BackendLocal
	}
	return cfg, nil
}

// openCatalog opens the configured catalog. The returned close flushes the
// store and releases the backend.
func openCatalog(cmd *cobra.Command) (*facedb.Store, func() error, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	level := "warn"
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logger := observability.NewLogger(cmd.ErrOrStderr(), level, "text")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	blobs, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := facedb.Open(ctx, blobs, facedb.OptionsFromConfig(cfg.Store, logger)...)
	if err != nil {
		_ = storage.Close(blobs)
		return nil, nil, err
	}

	closeFn := func() error {
		err := store.Close(context.WithoutCancel(ctx))
		if cerr := storage.Close(blobs); err == nil {
			err = cerr
		}
		return err
	}
	return store, closeFn, nil
}
