package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and modify stored sessions",
	Long:  `Read, write, renew and remove sessions directly in the configured backend.`,
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the payload of a session",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(cmd *cobra.Command, rt *cli.Runtime, args []string) error {
		payload, ok, err := rt.Store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session not found")
		}

		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling payload: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}),
}

var sessionPutCmd = &cobra.Command{
	Use:   "put [name=value]...",
	Short: "Create a session and print its key",
	RunE: withRuntime(func(cmd *cobra.Command, rt *cli.Runtime, args []string) error {
		payload, err := parsePairs(args)
		if err != nil {
			return err
		}
		key, err := rt.Store.Save(cmd.Context(), payload, ttlFlag(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	}),
}

var sessionUpdateCmd = &cobra.Command{
	Use:   "update <key> [name=value]...",
	Short: "Replace the payload of a session and print the resulting key",
	Long: `Replaces the payload. If the session no longer exists a new one is created
and its key is printed instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: withRuntime(func(cmd *cobra.Command, rt *cli.Runtime, args []string) error {
		payload, err := parsePairs(args[1:])
		if err != nil {
			return err
		}
		key, err := rt.Store.Update(cmd.Context(), args[0], payload, ttlFlag(cmd))
		if err != nil {
			return err
		}
		if key != args[0] {
			fmt.Fprintln(cmd.ErrOrStderr(), "session had expired, created a new one")
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	}),
}

var sessionRenewCmd = &cobra.Command{
	Use:   "renew <key>",
	Short: "Extend the expiry of a session",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(cmd *cobra.Command, rt *cli.Runtime, args []string) error {
		return rt.Store.Renew(cmd.Context(), args[0], ttlFlag(cmd))
	}),
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <key>...",
	Short: "Remove one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: withRuntime(func(cmd *cobra.Command, rt *cli.Runtime, args []string) error {
		hasError := false
		for _, key := range args {
			if err := rt.Store.Delete(cmd.Context(), key); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing session: %v\n", err)
				hasError = true
				continue
			}
		}
		if hasError {
			return fmt.Errorf("some sessions could not be removed")
		}
		return nil
	}),
}

// withRuntime opens the configured backend for the duration of run.
func withRuntime(run func(cmd *cobra.Command, rt *cli.Runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("ttl") && cmd.Flags().Lookup("ttl") != nil {
			_ = cmd.Flags().Set("ttl", cfg.Session.TTL.String())
		}

		rt, err := cli.NewRuntime(cmd.Context(), cfg, logger, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer rt.Close()
		return run(cmd, rt, args)
	}
}

func ttlFlag(cmd *cobra.Command) time.Duration {
	ttl, _ := cmd.Flags().GetDuration("ttl")
	return ttl
}

func parsePairs(args []string) (domain.Payload, error) {
	payload := make(domain.Payload, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid pair %q, expected name=value", arg)
		}
		payload[name] = value
	}
	return payload, nil
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionGetCmd, sessionPutCmd, sessionUpdateCmd, sessionRenewCmd, sessionRmCmd)

	for _, c := range []*cobra.Command{sessionPutCmd, sessionUpdateCmd, sessionRenewCmd} {
		c.Flags().Duration("ttl", 0, "Time to live (defaults to session.ttl)")
	}
}
