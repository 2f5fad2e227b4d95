package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/ocitool"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreferenced content",
	Long:  "Delete stored blobs that are no longer referenced by any image or caller.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	engine, err := ocitool.New(ocitool.WithCacheDir(getCacheDir()))
	if err != nil {
		return err
	}

	removed, err := engine.GC(cmd.Context())
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}

	for _, dgst := range removed {
		fmt.Println(dgst)
	}
	fmt.Printf("removed %d blobs\n", len(removed))
	return nil
}
