package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/rsimg/internal/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type app struct {
	verbose    bool
	configFile string
	blocksize  string
	numBlocks  int

	cfg   config
	gcs   *gcsClient
	start time.Time
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "rsimg",
		Short: "remote sensing imagery helpers",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.start = time.Now()
			if !a.verbose {
				os.Setenv("LOGLEVEL", "info")
				log.Structured()
			}
			var err error
			if a.cfg, err = loadConfig(a.configFile); err != nil {
				return err
			}
			if !cmd.Flags().Changed("blocksize") && a.cfg.GCS.BlockSize != "" {
				a.blocksize = a.cfg.GCS.BlockSize
			}
			if !cmd.Flags().Changed("numblocks") && a.cfg.GCS.NumBlocks > 0 {
				a.numBlocks = a.cfg.GCS.NumBlocks
			}
			a.gcs = &gcsClient{blocksize: a.blocksize, numBlocks: a.numBlocks}
			ctx := cmd.Context()
			cmd.SetContext(log.With(ctx, log.Logger(ctx).With(zap.String("command", cmd.Name()))))
			godal.RegisterAll()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			log.Logger(cmd.Context()).Debug("command done", zap.Duration("took", time.Since(a.start)))
			return a.gcs.Close()
		},
	}
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "verbose output")
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "yaml configuration file")
	root.PersistentFlags().StringVar(&a.blocksize, "blocksize", "512k", "gs cache blocksize")
	root.PersistentFlags().IntVar(&a.numBlocks, "numblocks", 1000, "number of gs cached blocks")

	root.AddCommand(
		a.coor2coorCmd(),
		a.utmZoneCmd(),
		a.geo2imgCmd(),
		a.img2geoCmd(),
		a.resCmd(),
		a.stackCmd(),
		a.raster2vecCmd(),
		a.vec2maskCmd(),
		a.quicklookCmd(),
		a.cogifyCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
