package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/ocitool"
)

var hasCmd = &cobra.Command{
	Use:   "has <ref>",
	Short: "Check whether an image is fully present locally",
	Long:  "Check the local store for a complete, verified copy of the image. No network access.",
	Args:  cobra.ExactArgs(1),
	RunE:  runHas,
}

func init() {
	hasCmd.Flags().String("platform", "", "target platform, e.g. linux/arm64 (default: host)")
	viper.BindPFlag("platform", hasCmd.Flags().Lookup("platform"))

	rootCmd.AddCommand(hasCmd)
}

func runHas(cmd *cobra.Command, args []string) error {
	engine, err := ocitool.New(
		ocitool.WithCacheDir(getCacheDir()),
		ocitool.WithPlatform(viper.GetString("platform")),
	)
	if err != nil {
		return err
	}

	ok, err := engine.HasImage(args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("absent")
		os.Exit(1)
	}
	fmt.Println("present")
	return nil
}
