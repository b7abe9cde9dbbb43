// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
)

// denyAllAuthorizer rejects every admit request. It exists so
// can-join can demonstrate the authorization-failure exit path (2)
// without a real on-chain authorizer program, which is out of scope.
type denyAllAuthorizer struct{}

func (denyAllAuthorizer) Authorize(coordinator.ClientId, []byte) bool { return false }

func presetConfig(preset string) (config.Config, error) {
	switch preset {
	case "", "local":
		return config.Local(), nil
	case "testnet":
		return config.Testnet(), nil
	case "mainnet":
		return config.Mainnet(), nil
	default:
		return config.Config{}, userError("unknown preset %q (want local, testnet, or mainnet)", preset)
	}
}

func applyConfigOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, err := cmd.Flags().GetInt("min-clients"); err == nil && cmd.Flags().Changed("min-clients") {
		cfg.MinClients = v
	}
	if v, err := cmd.Flags().GetInt("init-min-clients"); err == nil && cmd.Flags().Changed("init-min-clients") {
		cfg.InitMinClients = v
	}
	if v, err := cmd.Flags().GetInt("witness-nodes"); err == nil && cmd.Flags().Changed("witness-nodes") {
		cfg.WitnessNodes = v
	}
	if v, err := cmd.Flags().GetUint64("rounds-per-epoch"); err == nil && cmd.Flags().Changed("rounds-per-epoch") {
		cfg.RoundsPerEpoch = v
	}
	if v, err := cmd.Flags().GetUint64("total-steps"); err == nil && cmd.Flags().Changed("total-steps") {
		cfg.TotalSteps = v
	}
	if v, err := cmd.Flags().GetInt("max-concurrent-downloads"); err == nil && cmd.Flags().Changed("max-concurrent-downloads") {
		cfg.MaxConcurrentDownloads = v
	}
}

func addConfigOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().Int("min-clients", 0, "override config.min_clients")
	cmd.Flags().Int("init-min-clients", 0, "override config.init_min_clients")
	cmd.Flags().Int("witness-nodes", 0, "override config.witness_nodes")
	cmd.Flags().Uint64("rounds-per-epoch", 0, "override config.rounds_per_epoch")
	cmd.Flags().Uint64("total-steps", 0, "override config.total_steps")
	cmd.Flags().Int("max-concurrent-downloads", 0, "override config.max_concurrent_downloads")
}

func createRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-run",
		Short: "Create a new training run's local configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			preset, _ := cmd.Flags().GetString("preset")
			cfg, err := presetConfig(preset)
			if err != nil {
				return err
			}
			applyConfigOverrides(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return userError("invalid config: %w", err)
			}

			dir, err := runDir(global.runID)
			if err != nil {
				return err
			}
			if err := saveRunConfig(dir, cfg); err != nil {
				return transportError("writing run config: %w", err)
			}
			fmt.Printf("created run %q: %s\n", global.runID, cfg.String())
			return nil
		},
	}
	cmd.Flags().String("preset", "local", "base preset: local, testnet, or mainnet")
	addConfigOverrideFlags(cmd)
	return cmd
}

func updateConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-config",
		Short: "Update a run's local configuration before it starts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadRunConfig(global.runID)
			if err != nil {
				return err
			}
			applyConfigOverrides(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return userError("invalid config: %w", err)
			}
			if err := saveRunConfig(dir, cfg); err != nil {
				return transportError("writing run config: %w", err)
			}
			fmt.Printf("updated run %q: %s\n", global.runID, cfg.String())
			return nil
		},
	}
	addConfigOverrideFlags(cmd)
	return cmd
}

func setPausedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-paused",
		Short: "Pause or resume a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			resume, _ := cmd.Flags().GetBool("resume")
			cfg, _, err := loadRunConfig(global.runID)
			if err != nil {
				return err
			}
			co, err := coordinator.New(cfg, coordinator.ModelSpec{Architecture: "psyche"}, nil, nil, nil, nil)
			if err != nil {
				return userError("constructing coordinator: %w", err)
			}
			co.SetPaused(!resume)
			if resume {
				fmt.Printf("run %q resumed\n", global.runID)
			} else {
				fmt.Printf("run %q paused\n", global.runID)
			}
			return nil
		},
	}
	cmd.Flags().Bool("resume", false, "resume a paused run instead of pausing it")
	return cmd
}

func canJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "can-join",
		Short: "Check whether this wallet could join the given run right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRunConfig(global.runID)
			if err != nil {
				return err
			}
			priv, err := loadWallet(global.walletPath)
			if err != nil {
				return err
			}

			var authorizer coordinator.Authorizer
			if global.authorizer == "deny" {
				authorizer = denyAllAuthorizer{}
			}

			co, err := coordinator.New(cfg, coordinator.ModelSpec{Architecture: "psyche"}, nil, nil, authorizer, nil)
			if err != nil {
				return userError("constructing coordinator: %w", err)
			}

			var clientID coordinator.ClientId
			copy(clientID.Signer[:], priv.Public().(ed25519.PublicKey))

			if err := co.Admit(clientID, []byte(global.authorizer)); err != nil {
				if errors.Is(err, coordinator.ErrNotAuthorized) {
					return authError("not authorized to join run %q", global.runID)
				}
				return userError("cannot join run %q: %w", global.runID, err)
			}
			fmt.Printf("can-join: yes (run %q accepts this wallet)\n", global.runID)
			return nil
		},
	}
	return cmd
}

func infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print a run's local configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRunConfig(global.runID)
			if err != nil {
				return err
			}
			fmt.Printf("run %q: %s\n", global.runID, cfg.String())
			fmt.Printf("  witness_quorum:     %d\n", config.WitnessQuorum(cfg.WitnessNodes))
			fmt.Printf("  batch_size(step=0): %d\n", cfg.GlobalBatchSize(0))
			fmt.Printf("  warmup_time:        %s\n", cfg.WarmupTime)
			fmt.Printf("  round_witness_time: %s\n", cfg.RoundWitnessTime)
			fmt.Printf("  cooldown_time:      %s\n", cfg.CooldownTime)
			return nil
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Register a model-hub checkpoint marker for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repo")
			revision, _ := cmd.Flags().GetString("revision")
			if repo == "" || revision == "" {
				return userError("--repo and --revision are required")
			}
			dir, err := runDir(global.runID)
			if err != nil {
				return err
			}
			marker := coordinator.HubMarker{Repo: repo, Revision: revision}
			if err := saveCheckpointMarker(dir, marker); err != nil {
				return transportError("saving checkpoint marker: %w", err)
			}
			fmt.Printf("run %q: checkpoint registered at hub(%s@%s)\n", global.runID, repo, revision)
			return nil
		},
	}
	cmd.Flags().String("repo", "", "model-hub repository")
	cmd.Flags().String("revision", "", "model-hub revision")
	return cmd
}
