// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/luxfi/crypto"
	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/aggregator"
	"github.com/psyche-network/coordinator/blobcache"
	"github.com/psyche-network/coordinator/config"
	"github.com/psyche-network/coordinator/trainer"
	"github.com/psyche-network/coordinator/transport/memory"
)

// fakeClock lets the test advance time explicitly instead of sleeping
// through the Coordinator's real timers, mirroring coordinator_test.go's
// own fakeClock.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Advance(d time.Duration) time.Time {
	f.now = f.now.Add(d)
	return f.now
}

type fixedReader struct{ data []byte }

func (r fixedReader) Read(ctx context.Context, step coordinator.StepIndex, batch coordinator.BatchId) ([]byte, error) {
	return r.data, nil
}

type fixedModel struct{ weights []float32 }

func (m fixedModel) Load(ctx context.Context, marker coordinator.CheckpointMarker) ([]float32, error) {
	return append([]float32(nil), m.weights...), nil
}

func soloClientConfig() config.Config {
	c := config.Local()
	c.MinClients = 1
	c.InitMinClients = 1
	c.WitnessNodes = 1
	c.GlobalBatchSizeStart = 1
	c.GlobalBatchSizeEnd = 1
	c.GlobalBatchSizeWarmupTokens = 0
	c.TotalSteps = 2
	c.RoundsPerEpoch = 1
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestRunLoopDrivesOneSoloRound exercises ClientRunLoop end to end over
// transport/memory for a single-client run: admission, warmup, solo
// RoundTrain (train, commit, witness), and the step rollover back to
// WaitingForMembers, mirroring coordinator_test.go's
// TestThreeClientHappyRound but driven through RunLoop instead of
// direct Coordinator calls.
func TestRunLoopDrivesOneSoloRound(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co, err := coordinator.New(soloClientConfig(), coordinator.ModelSpec{Architecture: "test"}, clock, nil, nil, nil)
	require.NoError(t, err)

	shim := memory.New(co)
	defer shim.Close()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var clientID coordinator.ClientId
	copy(clientID.Signer[:], pub)
	clientID.P2PIdentity[0] = 7

	identity := Identity{ClientID: clientID, Signer: priv}
	cache := blobcache.New(nil, time.Second)
	reader := fixedReader{data: []byte("tokens-for-solo-round")}
	model := fixedModel{weights: []float32{1, 2, 3}}
	backend := &trainer.StubBackend{Chunks: 1, TopK: 2}

	loop := New(identity, []byte("authorizer-proof"), shim, shim, nil, reader, backend, cache, model, nil, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return len(co.PendingClients()) == 1 })

	_, err = shim.PublishTick(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, "Warmup", co.Phase().Name())

	waitFor(t, 2*time.Second, func() bool {
		clock.Advance(time.Millisecond)
		_, _ = shim.PublishTick(ctx, clock.Now())
		return co.Phase().Name() == "RoundTrain"
	})

	waitFor(t, 2*time.Second, func() bool {
		clock.Advance(time.Millisecond)
		_, _ = shim.PublishTick(ctx, clock.Now())
		return co.Phase().Name() == "RoundWitness"
	})

	clock.Advance(co.Config().RoundWitnessTime)
	_, err = shim.PublishTick(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, "Cooldown", co.Phase().Name())

	clock.Advance(co.Config().CooldownTime)
	_, err = shim.PublishTick(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, "WaitingForMembers", co.Phase().Name())
	require.EqualValues(t, 1, co.Step())

	cancel()
	require.ErrorIs(t, <-runErr, context.Canceled)
}

// TestResultPreimageMatchesTrainerCommitment pins the load-bearing
// invariant that ResultInput's ResultBytes and CommitmentInput's
// Commitment hash the same preimage: round.State.OnResult verifies
// Keccak256(resultBytes) == commitment, so the bytes RunLoop submits
// as a result must be exactly trainer.Commitment's hash input.
func TestResultPreimageMatchesTrainerCommitment(t *testing.T) {
	update := aggregator.CompressedUpdate{
		Indices:    []uint32{0, 1, 2},
		Amplitudes: []float32{1, -1, 1},
		Scale:      1,
	}
	var client coordinator.ClientId
	client.Signer[0] = 9
	batch := coordinator.BatchId{Step: 2, SubIndex: 1}

	preimage, err := resultPreimage(update, client, batch)
	require.NoError(t, err)

	var want coordinator.Commitment
	copy(want[:], crypto.Keccak256(preimage))

	got, err := trainer.Commitment(update, client, batch)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBePutUint64RoundTrips(t *testing.T) {
	var buf [8]byte
	bePutUint64(buf[:], 0x0102030405060708)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf[:])
}
