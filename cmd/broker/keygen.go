package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llm_broker/internal/storage"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random ENCRYPTION_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := storage.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
