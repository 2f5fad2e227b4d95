package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aweris/ocitool"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally stored images",
	Long:  "List image references recorded in the local store with their manifest digests.",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	engine, err := ocitool.New(ocitool.WithCacheDir(getCacheDir()))
	if err != nil {
		return err
	}

	images := engine.Images()
	refs := make([]string, 0, len(images))
	for ref := range images {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	if len(refs) == 0 {
		fmt.Println("(no images)")
		return nil
	}
	for _, ref := range refs {
		fmt.Printf("%s\t%s\n", ref, images[ref])
	}
	return nil
}
