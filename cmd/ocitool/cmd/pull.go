package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/ocitool"
	"github.com/aweris/ocitool/internal/progress"
)

var pullCmd = &cobra.Command{
	Use:   "pull <refs...>",
	Short: "Pull images into the local store",
	Long:  "Resolve, download, verify, and store one or more image references.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().String("platform", "", "target platform, e.g. linux/arm64 (default: host)")
	pullCmd.Flags().IntP("concurrency", "c", 0, "max simultaneous blob transfers")

	viper.BindPFlag("platform", pullCmd.Flags().Lookup("platform"))
	viper.BindPFlag("concurrency", pullCmd.Flags().Lookup("concurrency"))

	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	reporter := progress.Func(func(e progress.Event) {
		switch e.Stage {
		case progress.StageCommitted, progress.StageCached, progress.StageFailed:
			fmt.Fprintf(os.Stderr, "%s  %s\n", e.Digest, e.Stage)
		}
	})

	engine, err := ocitool.New(
		ocitool.WithCacheDir(getCacheDir()),
		ocitool.WithPlatform(viper.GetString("platform")),
		ocitool.WithConcurrency(viper.GetInt("concurrency")),
		ocitool.WithProgress(reporter),
	)
	if err != nil {
		return err
	}

	images, err := engine.EnsureAll(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	for _, img := range images {
		fmt.Printf("%s\t%s\t%d layers\n", img.Reference, img.Digest, len(img.Layers))
	}
	return nil
}
