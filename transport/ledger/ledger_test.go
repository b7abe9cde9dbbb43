// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/config"
	"github.com/psyche-network/coordinator/transport"
)

type memoryLedgerClient struct {
	mu       sync.Mutex
	accounts map[string][]byte
}

func newMemoryLedgerClient() *memoryLedgerClient {
	return &memoryLedgerClient{accounts: make(map[string][]byte)}
}

func (m *memoryLedgerClient) key(programID, runID string) string { return programID + "/" + runID }

func (m *memoryLedgerClient) GetAccount(ctx context.Context, programID, runID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.accounts[m.key(programID, runID)]
	if !ok {
		return nil, ErrAccountMissing
	}
	return data, nil
}

func (m *memoryLedgerClient) SendAndConfirm(ctx context.Context, programID, runID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[m.key(programID, runID)] = data
	return nil
}

func testClient(b byte) coordinator.ClientId {
	var c coordinator.ClientId
	c.Signer[0] = b
	return c
}

func newTestShim(t *testing.T, client LedgerClient) *Shim {
	cfg := config.Local()
	cfg.MinClients = 1
	cfg.InitMinClients = 1
	co, err := coordinator.New(cfg, coordinator.ModelSpec{Architecture: "test"}, coordinator.SystemClock{}, nil, nil, nil)
	require.NoError(t, err)
	return New(co, client, "psyche-program", "run-1", 5*time.Millisecond)
}

func TestSubmitPersistsSnapshot(t *testing.T) {
	client := newMemoryLedgerClient()
	s := newTestShim(t, client)

	require.NoError(t, s.Submit(context.Background(), transport.AdmitInput{ClientID: testClient(1)}))

	data, err := client.GetAccount(context.Background(), "psyche-program", "run-1")
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, "WaitingForMembers", decoded.PhaseName)
}

func TestPublishTickAdvancesPersistedPhase(t *testing.T) {
	client := newMemoryLedgerClient()
	s := newTestShim(t, client)
	require.NoError(t, s.Submit(context.Background(), transport.AdmitInput{ClientID: testClient(1)}))

	_, err := s.PublishTick(context.Background(), time.Now())
	require.NoError(t, err)

	data, err := client.GetAccount(context.Background(), "psyche-program", "run-1")
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, "Warmup", decoded.PhaseName)
}

func TestSubscribeObservesNewerSnapshots(t *testing.T) {
	client := newMemoryLedgerClient()
	s := newTestShim(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Submit(ctx, transport.AdmitInput{ClientID: testClient(1)}))
	_, err = s.PublishTick(ctx, time.Now())
	require.NoError(t, err)

	select {
	case snap := <-ch:
		require.Equal(t, coordinator.RoundIndex(0), snap.RoundIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled snapshot")
	}
}

func TestEncodeDecodeCheckpointMarkerRoundTrip(t *testing.T) {
	snap := transport.StateSnapshot{
		Config:           config.Local(),
		Phase:            coordinator.WarmupPhase{},
		CheckpointMarker: coordinator.HubMarker{Repo: "org/model", Revision: "main"},
	}
	decoded, err := DecodeSnapshot(EncodeSnapshot(snap))
	require.NoError(t, err)
	require.Equal(t, coordinator.HubMarker{Repo: "org/model", Revision: "main"}, decoded.CheckpointMarker)
}
