// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/blobcache"
	"github.com/psyche-network/coordinator/client"
	"github.com/psyche-network/coordinator/data"
	"github.com/psyche-network/coordinator/trainer"
	"github.com/psyche-network/coordinator/transport/memory"
)

// localModelLoader obtains epoch-start weights: it always returns
// zero-initialized weights of the requested width. The marker is
// ignored, so a registered HubMarker checkpoint is not read.
type localModelLoader struct {
	dim int
}

func (l localModelLoader) Load(ctx context.Context, marker coordinator.CheckpointMarker) ([]float32, error) {
	return make([]float32, l.dim), nil
}

// localCheckpointer "uploads" by writing a HubMarker to the
// checkpoint.json sidecar and reports that marker, whose revision is
// the sidecar's path. The weights themselves are not written. A real sink
// (model hub, GCS) is out of scope; this exists so Cooldown's
// report_checkpoint path is exercised end to end in the local demo.
type localCheckpointer struct {
	dir string
}

func (l localCheckpointer) Upload(ctx context.Context, weights []float32) (coordinator.CheckpointMarker, error) {
	path := checkpointPath(l.dir)
	if err := saveCheckpointMarker(l.dir, coordinator.HubMarker{Repo: "local", Revision: path}); err != nil {
		return nil, err
	}
	return coordinator.HubMarker{Repo: "local", Revision: path}, nil
}

// unreachablePeerFetcher always fails: the concrete p2p transport is a
// Non-goal (spec.md §5), so a solo or disconnected client simply
// cannot resolve another client's blob in this local demo.
type unreachablePeerFetcher struct{}

func (unreachablePeerFetcher) Fetch(ctx context.Context, clientID coordinator.ClientId, batchID coordinator.BatchId) ([]byte, error) {
	return nil, fmt.Errorf("blobcache: no peer transport configured for client %s", clientID)
}

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Join a run and participate in training",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			maxSeqLen, _ := cmd.Flags().GetInt("max-seq-len")
			modelDim, _ := cmd.Flags().GetInt("model-dim")
			tickInterval, _ := cmd.Flags().GetDuration("tick-interval")
			if dataDir == "" {
				return userError("--data-dir is required")
			}

			cfg, dir, err := loadRunConfig(global.runID)
			if err != nil {
				return err
			}
			priv, err := loadWallet(global.walletPath)
			if err != nil {
				return err
			}

			marker, hasMarker, err := loadCheckpointMarker(dir)
			if err != nil {
				return transportError("loading checkpoint marker: %w", err)
			}
			var modelSpec coordinator.ModelSpec
			if hasMarker {
				modelSpec = coordinator.ModelSpec{Architecture: "psyche", CheckpointMarker: marker}
			} else {
				modelSpec = coordinator.ModelSpec{Architecture: "psyche", CheckpointMarker: coordinator.DummyMarker{}}
			}

			co, err := coordinator.New(cfg, modelSpec, nil, nil, nil, nil)
			if err != nil {
				return userError("constructing coordinator: %w", err)
			}
			shim := memory.New(co)
			defer shim.Close()

			var clientID coordinator.ClientId
			copy(clientID.Signer[:], priv.Public().(ed25519.PublicKey))
			identity := client.Identity{ClientID: clientID, Signer: priv}

			reader := data.NewLocalFilesReader(dataDir, maxSeqLen, data.TokenSize4, nil)
			backend := &trainer.StubBackend{Chunks: cfg.Optimizer.Chunks, TopK: cfg.Optimizer.TopK}
			cache := blobcache.New(unreachablePeerFetcher{}, cfg.MaxRoundTrainTime)
			model := localModelLoader{dim: modelDim}
			checkpointer := localCheckpointer{dir: dir}

			loop := client.New(identity, []byte(global.authorizer), shim, shim, nil, reader, backend, cache, model, checkpointer, cfg.MaxConcurrentDownloads, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go tickLoop(ctx, shim, tickInterval)

			fmt.Printf("joining run %q as client %s\n", global.runID, clientID.String())
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				return transportError("run loop exited: %w", err)
			}
			fmt.Println("stopped")
			return nil
		},
	}
	cmd.Flags().String("data-dir", "", "local directory of token-batch files")
	cmd.Flags().Int("max-seq-len", 2048, "tokens per sequence")
	cmd.Flags().Int("model-dim", 1024, "flattened parameter count for the local stub trainer")
	cmd.Flags().Duration("tick-interval", 200*time.Millisecond, "local clock interval driving publish_tick in this single-process demo")
	return cmd
}

// tickLoop stands in for a dedicated ticker service: in a real
// deployment, only an authorized ticker calls publish_tick (spec.md
// §6); this demo CLI ticks its own in-process Coordinator so `train`
// is runnable standalone.
func tickLoop(ctx context.Context, shim *memory.Shim, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = shim.PublishTick(ctx, time.Now())
		}
	}
}
