// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command psyched is the single executable exposing the run-management
// and client CLI surface from spec.md §6: train, create-run,
// update-config, set-paused, can-join, info, checkpoint.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
)

// Exit codes, per spec.md §6: 0 success, 1 user error, 2 authorization
// failure, 3 transport unreachable.
const (
	exitOK            = 0
	exitUserError     = 1
	exitAuthFailure   = 2
	exitTransportDown = 3
)

// cliError carries the exit code a failed command should return,
// distinct from cobra's default exit-1-on-any-error behavior.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userError(format string, a ...interface{}) error {
	return &cliError{code: exitUserError, err: fmt.Errorf(format, a...)}
}

func authError(format string, a ...interface{}) error {
	return &cliError{code: exitAuthFailure, err: fmt.Errorf(format, a...)}
}

func transportError(format string, a ...interface{}) error {
	return &cliError{code: exitTransportDown, err: fmt.Errorf(format, a...)}
}

// globalFlags mirrors spec.md §6's client env vars, each overridable
// by an equally-named flag.
type globalFlags struct {
	rpc                string
	wsRPC              string
	runID              string
	walletPath         string
	authorizer         string
	dataParallelism    int
	tensorParallelism  int
	microBatchSize     int
	stateDir           string
}

var global globalFlags

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "psyched",
		Short: "Coordinate and participate in a distributed training run",
		Long: `psyched drives a Psyche-style training run: an operator uses
create-run/update-config/set-paused/checkpoint to manage a run, and a
training client uses train/can-join/info to join and participate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&global.rpc, "rpc", envOr("RPC", ""), "coordinator RPC endpoint (env RPC)")
	cmd.PersistentFlags().StringVar(&global.wsRPC, "ws-rpc", envOr("WS_RPC", ""), "coordinator subscribe endpoint (env WS_RPC)")
	cmd.PersistentFlags().StringVar(&global.runID, "run-id", envOr("RUN_ID", ""), "run identifier (env RUN_ID)")
	cmd.PersistentFlags().StringVar(&global.walletPath, "wallet", envOr("WALLET_PRIVATE_KEY_PATH", ""), "path to a hex-encoded ed25519 seed (env WALLET_PRIVATE_KEY_PATH)")
	cmd.PersistentFlags().StringVar(&global.authorizer, "authorizer", envOr("AUTHORIZER", ""), "authorizer program identifier (env AUTHORIZER)")
	cmd.PersistentFlags().IntVar(&global.dataParallelism, "data-parallelism", envOrInt("DATA_PARALLELISM", 1), "local data-parallel width (env DATA_PARALLELISM)")
	cmd.PersistentFlags().IntVar(&global.tensorParallelism, "tensor-parallelism", envOrInt("TENSOR_PARALLELISM", 1), "local tensor-parallel width (env TENSOR_PARALLELISM)")
	cmd.PersistentFlags().IntVar(&global.microBatchSize, "micro-batch-size", envOrInt("MICRO_BATCH_SIZE", 1), "local micro-batch size (env MICRO_BATCH_SIZE)")
	cmd.PersistentFlags().StringVar(&global.stateDir, "state-dir", envOr("PSYCHED_STATE_DIR", "."), "local directory holding per-run config/checkpoint sidecars")

	cmd.AddCommand(
		createRunCmd(),
		updateConfigCmd(),
		setPausedCmd(),
		canJoinCmd(),
		infoCmd(),
		checkpointCmd(),
		trainCmd(),
	)
	return cmd
}

func main() {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(ce.code)
		}
		os.Exit(exitUserError)
	}
}

// runDir returns (and creates) the local state directory for runID.
func runDir(runID string) (string, error) {
	if runID == "" {
		return "", userError("run-id is required (flag --run-id or env RUN_ID)")
	}
	dir := filepath.Join(global.stateDir, sanitizeRunID(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", transportError("cannot create state dir %s: %w", dir, err)
	}
	return dir, nil
}

func sanitizeRunID(runID string) string {
	return strings.ReplaceAll(runID, string(filepath.Separator), "_")
}

func configPath(dir string) string { return filepath.Join(dir, "config.json") }

func loadRunConfig(runID string) (config.Config, string, error) {
	dir, err := runDir(runID)
	if err != nil {
		return config.Config{}, "", err
	}
	path := configPath(dir)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Config{}, "", transportError("no run %q: %s has not been created (run create-run first)", runID, path)
	}
	if err != nil {
		return config.Config{}, "", transportError("reading %s: %w", path, err)
	}
	var cfg config.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return config.Config{}, "", transportError("decoding %s: %w", path, err)
	}
	return cfg, dir, nil
}

func saveRunConfig(dir string, cfg config.Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(dir), raw, 0o644)
}

func checkpointPath(dir string) string { return filepath.Join(dir, "checkpoint.json") }

// saveCheckpointMarker persists a HubMarker sidecar. Only HubMarker is
// supported here: it is the only variant an operator registers
// out-of-band via the CLI (Gcs/P2P markers are reported by a client
// through ReportCheckpoint during a live Cooldown, not this command).
func saveCheckpointMarker(dir string, marker coordinator.HubMarker) error {
	raw, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(checkpointPath(dir), raw, 0o644)
}

func loadCheckpointMarker(dir string) (coordinator.HubMarker, bool, error) {
	raw, err := os.ReadFile(checkpointPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return coordinator.HubMarker{}, false, nil
	}
	if err != nil {
		return coordinator.HubMarker{}, false, err
	}
	var marker coordinator.HubMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return coordinator.HubMarker{}, false, err
	}
	return marker, true, nil
}

// loadWallet reads a hex-encoded 32-byte ed25519 seed from path and
// expands it into a signing key pair.
func loadWallet(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, userError("--wallet (or WALLET_PRIVATE_KEY_PATH) is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, userError("reading wallet file %s: %w", path, err)
	}
	seedHex := strings.TrimSpace(string(raw))
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, userError("wallet file %s: not hex: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, userError("wallet file %s: want %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
