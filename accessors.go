// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

// Read-only views into epoch/round state, for ClientRunLoop and
// tests. None of these mutate the Coordinator.

// WitnessSet returns the current round's witness set, or nil if no
// epoch is open.
func (c *Coordinator) WitnessSet() []ClientId {
	if c.epoch == nil {
		return nil
	}
	out := make([]ClientId, len(c.epoch.witnessSet))
	copy(out, c.epoch.witnessSet)
	return out
}

// CheckpointerSet returns the current epoch's checkpointer set, or nil
// if no epoch is open.
func (c *Coordinator) CheckpointerSet() []ClientId {
	if c.epoch == nil {
		return nil
	}
	out := make([]ClientId, len(c.epoch.checkpointerSet))
	copy(out, c.epoch.checkpointerSet)
	return out
}

// ExpectedBatches returns the current round's data_assignment, or nil
// if no round is open.
func (c *Coordinator) ExpectedBatches() map[BatchId]ClientId {
	if c.round == nil {
		return nil
	}
	return c.round.ExpectedBatches
}

// RoundIndex returns the current epoch's round index, or 0 if no
// epoch is open.
func (c *Coordinator) RoundIndex() RoundIndex {
	if c.epoch == nil {
		return 0
	}
	return c.epoch.roundIndex
}

// EpochIndex returns the current epoch's index, or 0 if no epoch is
// open.
func (c *Coordinator) EpochIndex() EpochIndex {
	if c.epoch == nil {
		return 0
	}
	return c.epoch.index
}

// EpochClients returns the current epoch's frozen member set, or nil
// if no epoch is open.
func (c *Coordinator) EpochClients() []ClientId {
	if c.epoch == nil {
		return nil
	}
	out := make([]ClientId, len(c.epoch.clients))
	copy(out, c.epoch.clients)
	return out
}

// RandomSeed returns the current epoch's random seed and true, or a
// zero seed and false if no epoch is open.
func (c *Coordinator) RandomSeed() ([32]byte, bool) {
	if c.epoch == nil {
		return [32]byte{}, false
	}
	return c.epoch.randomSeed, true
}

// CheckpointMarker returns the current epoch's checkpoint marker and
// true, or nil and false if no epoch is open.
func (c *Coordinator) CheckpointMarker() (CheckpointMarker, bool) {
	if c.epoch == nil {
		return nil, false
	}
	return c.epoch.checkpointMarker, true
}

// Earned returns clientID's accumulated reward counter.
func (c *Coordinator) Earned(clientID ClientId) uint64 { return c.earned[clientID] }

// Slash returns clientID's accumulated slash counter.
func (c *Coordinator) Slash(clientID ClientId) uint64 { return c.slash[clientID] }

// PendingClients returns the clients admitted but not yet folded into
// an epoch.
func (c *Coordinator) PendingClients() []ClientId {
	out := make([]ClientId, len(c.pendingClients))
	copy(out, c.pendingClients)
	return out
}
