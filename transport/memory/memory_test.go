// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
	"github.com/psyche-network/coordinator/transport"
)

func testClient(b byte) coordinator.ClientId {
	var c coordinator.ClientId
	c.Signer[0] = b
	return c
}

func newShim(t *testing.T) *Shim {
	cfg := config.Local()
	cfg.MinClients = 1
	cfg.InitMinClients = 1
	co, err := coordinator.New(cfg, coordinator.ModelSpec{Architecture: "test"}, coordinator.SystemClock{}, nil, nil, nil)
	require.NoError(t, err)
	return New(co)
}

func TestSubscribeReplaysLatestSnapshot(t *testing.T) {
	s := newShim(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)

	select {
	case snap := <-ch:
		require.Equal(t, "WaitingForMembers", snap.Phase.Name())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed snapshot")
	}
}

func TestSubmitAdmitBroadcastsNewSnapshot(t *testing.T) {
	s := newShim(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)
	<-ch // replayed initial snapshot

	require.NoError(t, s.Submit(ctx, transport.AdmitInput{ClientID: testClient(1)}))

	select {
	case snap := <-ch:
		require.NotEqual(t, [32]byte{}, snap.PendingClientsHash)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admit snapshot")
	}
}

func TestPublishTickAdvancesPhase(t *testing.T) {
	s := newShim(t)
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, transport.AdmitInput{ClientID: testClient(1)}))

	transition, err := s.PublishTick(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "Warmup", transition.To.Name())
}

func TestCloseTerminatesSubscriptions(t *testing.T) {
	s := newShim(t)
	ctx := context.Background()
	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)
	<-ch

	require.NoError(t, s.Close())

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	require.ErrorIs(t, s.Submit(ctx, transport.SetPausedInput{Paused: true}), transport.ErrClosed)
}
