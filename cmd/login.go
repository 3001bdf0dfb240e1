// -- cmd/login.go --
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kexley/coinloop/internal/observability"
	"github.com/kexley/coinloop/internal/state"
	"github.com/kexley/coinloop/internal/storage"
)

var (
	loginUsername string
	loginPassword string
	loginTTL      time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the site credentials used by the earning loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUsername == "" || loginPassword == "" {
			return fmt.Errorf("both --username and --password are required")
		}

		logger := observability.GetLogger()
		kv, err := storage.Open(cfg.Storage.Path, logger)
		if err != nil {
			return err
		}
		defer kv.Close()

		st, err := state.NewStore(cmd.Context(), kv, cfg.Workflow.HistoryLimit, logger)
		if err != nil {
			return err
		}

		creds := state.Credentials{Username: loginUsername, Password: loginPassword}
		if loginTTL > 0 {
			creds.ExpiresAt = time.Now().Add(loginTTL)
		}
		if err := st.SaveCredentials(cmd.Context(), creds); err != nil {
			return err
		}

		fmt.Println("Credentials stored.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "site username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "site password")
	loginCmd.Flags().DurationVar(&loginTTL, "expires-in", 0, "optional credential lifetime (0 = no expiry)")
	rootCmd.AddCommand(loginCmd)
}
