// -- cmd/cache.go --
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kexley/coinloop/internal/loader"
	"github.com/kexley/coinloop/internal/observability"
	"github.com/kexley/coinloop/internal/storage"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the module source cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached module source",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := storage.Open(cfg.Storage.Path, observability.GetLogger())
		if err != nil {
			return err
		}
		defer kv.Close()

		n, err := loader.PurgeCache(cmd.Context(), kv)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d cached module(s).\n", n)
		return nil
	},
}

var cacheStatCmd = &cobra.Command{
	Use:   "stat",
	Short: "List cached modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := storage.Open(cfg.Storage.Path, observability.GetLogger())
		if err != nil {
			return err
		}
		defer kv.Close()

		keys, err := kv.Keys(cmd.Context(), loader.CachePrefix)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("Module cache is empty.")
			return nil
		}
		fmt.Printf("%d cached module(s):\n", len(keys))
		for _, key := range keys {
			fmt.Printf("  %s\n", strings.TrimPrefix(key, loader.CachePrefix))
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheStatCmd)
	rootCmd.AddCommand(cacheCmd)
}
