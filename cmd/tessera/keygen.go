package main

import (
	"fmt"

	"github.com/aretw0/tessera/pkg/keygen"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print freshly generated session keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		length, _ := cmd.Flags().GetInt("length")

		gen := keygen.New(keygen.WithLength(length))
		for i := 0; i < count; i++ {
			key, err := gen.Generate()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().IntP("count", "n", 1, "Number of keys to print")
	keygenCmd.Flags().Int("length", keygen.DefaultLength, "Key length")
}
