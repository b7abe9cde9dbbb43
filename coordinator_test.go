// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/luxfi/crypto"
	"github.com/stretchr/testify/require"

	"github.com/psyche-network/coordinator/config"
)

// fakeClock lets tests advance time explicitly instead of sleeping.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Advance(d time.Duration) time.Time {
	f.now = f.now.Add(d)
	return f.now
}

type testParticipant struct {
	id   ClientId
	priv ed25519.PrivateKey
}

func newParticipant(t *testing.T, tag byte) testParticipant {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var id ClientId
	copy(id.Signer[:], pub)
	id.P2PIdentity[0] = tag
	return testParticipant{id: id, priv: priv}
}

func threeClientConfig() config.Config {
	c := config.Local()
	c.MinClients = 2
	c.InitMinClients = 2
	c.WitnessNodes = 1
	c.GlobalBatchSizeStart = 4
	c.GlobalBatchSizeEnd = 4
	c.GlobalBatchSizeWarmupTokens = 0
	c.TotalSteps = 2
	c.RoundsPerEpoch = 1
	return c
}

func newTestCoordinator(t *testing.T, clock Clock) *Coordinator {
	co, err := New(threeClientConfig(), ModelSpec{Architecture: "test"}, clock, nil, nil, nil)
	require.NoError(t, err)
	return co
}

// TestThreeClientHappyRound exercises spec.md §8's literal
// three-client scenario end to end: admission, warmup, one round of
// commit-and-witness, and the step/epoch rollover.
func TestThreeClientHappyRound(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)

	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	c := newParticipant(t, 3)

	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))
	require.NoError(t, co.Admit(c.id, nil))

	transition, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "Warmup", co.Phase().Name())

	for _, p := range []testParticipant{a, b, c} {
		require.NoError(t, co.ReportWarmupReady(p.id))
	}

	t1 := clock.Advance(time.Millisecond)
	transition, err = co.Tick(t1)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	expected := co.ExpectedBatches()
	require.Len(t, expected, 4)

	byOwner := map[ClientId][]BatchId{}
	for batch, owner := range expected {
		byOwner[owner] = append(byOwner[owner], batch)
	}

	allParticipants := map[ClientId]testParticipant{a.id: a, b.id: b, c.id: c}
	results := make(map[BatchId][]byte)
	for batch, owner := range expected {
		p := allParticipants[owner]
		resultBytes := append([]byte("output-"), byte(batch.SubIndex))
		results[batch] = resultBytes
		var commitment Commitment
		copy(commitment[:], crypto.Keccak256(resultBytes))

		sig := ed25519.Sign(p.priv, commitment[:])
		require.NoError(t, co.SubmitCommitment(owner, batch, commitment, sig))
	}
	for batch, owner := range expected {
		require.NoError(t, co.SubmitResult(owner, batch, results[batch]))
	}

	witnessSet := co.WitnessSet()
	require.Len(t, witnessSet, 1)
	witnessID := witnessSet[0]

	builder := co.NewWitnessBuilder(witnessID)
	for batch, owner := range expected {
		builder.ObserveCommitment(owner)
		builder.ObserveDownload(owner, batch)
	}
	proof, err := builder.Build(true)
	require.NoError(t, err)
	require.NoError(t, co.SubmitWitness(proof))

	t2 := clock.Advance(time.Millisecond)
	transition, err = co.Tick(t2)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "RoundWitness", co.Phase().Name())

	t3 := clock.Advance(co.Config().RoundWitnessTime)
	transition, err = co.Tick(t3)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "Cooldown", co.Phase().Name())

	t4 := clock.Advance(co.Config().CooldownTime)
	transition, err = co.Tick(t4)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "WaitingForMembers", co.Phase().Name())
	require.EqualValues(t, 1, co.Step())
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)

	require.NoError(t, co.Admit(a.id, nil))
	require.ErrorIs(t, co.Admit(a.id, nil), ErrAlreadyMember)
}

func TestPauseAndUnpauseAbandonsEpoch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))

	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.Equal(t, "Warmup", co.Phase().Name())

	co.SetPaused(true)
	transition, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "Paused", co.Phase().Name())

	co.SetPaused(false)
	transition, err = co.Tick(clock.Now())
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "WaitingForMembers", co.Phase().Name())
}

func TestSubmitWitnessRejectsNonWitness(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))
	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NoError(t, co.ReportWarmupReady(a.id))
	require.NoError(t, co.ReportWarmupReady(b.id))
	_, err = co.Tick(clock.Now())
	require.NoError(t, err)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	witnessSet := co.WitnessSet()
	var nonWitness ClientId
	if witnessSet[0] == a.id {
		nonWitness = b.id
	} else {
		nonWitness = a.id
	}

	builder := co.NewWitnessBuilder(nonWitness)
	proof, err := builder.Build(false)
	require.NoError(t, err)
	require.ErrorIs(t, co.SubmitWitness(proof), ErrNotWitness)
}

func TestSubmitWitnessRejectsWrongRound(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))
	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NoError(t, co.ReportWarmupReady(a.id))
	require.NoError(t, co.ReportWarmupReady(b.id))
	_, err = co.Tick(clock.Now())
	require.NoError(t, err)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	witnessID := co.WitnessSet()[0]
	builder := co.NewWitnessBuilder(witnessID)
	proof, err := builder.Build(false)
	require.NoError(t, err)
	proof.RoundIndex++
	require.ErrorIs(t, co.SubmitWitness(proof), ErrWrongRound)
}

func TestSubmitWitnessRejectsMalformedBloomAndSlashes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))
	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NoError(t, co.ReportWarmupReady(a.id))
	require.NoError(t, co.ReportWarmupReady(b.id))
	_, err = co.Tick(clock.Now())
	require.NoError(t, err)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	witnessID := co.WitnessSet()[0]
	builder := co.NewWitnessBuilder(witnessID)
	proof, err := builder.Build(false)
	require.NoError(t, err)
	proof.ParticipantBloom = []byte("too-short-to-be-a-valid-bloom-filter")

	require.EqualValues(t, 0, co.Slash(witnessID))
	require.ErrorIs(t, co.SubmitWitness(proof), ErrMalformedBloom)
	require.NotZero(t, co.Slash(witnessID))
}

func TestSubmitResultRejectsCommitmentMismatchAndSlashes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))
	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NoError(t, co.ReportWarmupReady(a.id))
	require.NoError(t, co.ReportWarmupReady(b.id))
	_, err = co.Tick(clock.Now())
	require.NoError(t, err)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	expected := co.ExpectedBatches()
	allParticipants := map[ClientId]testParticipant{a.id: a, b.id: b}
	var batch BatchId
	var owner ClientId
	for batchID, ownerID := range expected {
		batch, owner = batchID, ownerID
		break
	}
	p := allParticipants[owner]
	resultBytes := []byte("correct-output")
	var commitment Commitment
	copy(commitment[:], crypto.Keccak256(resultBytes))
	sig := ed25519.Sign(p.priv, commitment[:])
	require.NoError(t, co.SubmitCommitment(owner, batch, commitment, sig))

	require.EqualValues(t, 0, co.Slash(owner))
	err = co.SubmitResult(owner, batch, []byte("tampered-output"))
	require.ErrorIs(t, err, ErrCommitmentMismatch)
	require.NotZero(t, co.Slash(owner))
}

// TestRoundWitnessTimeoutAbortsWithoutQuorum exercises spec.md §8
// scenario 2: RoundWitnessTime elapses with no witness proof
// submitted, so quorum is never met; the round aborts into Cooldown
// without advancing round_index/step, and a re-admitted epoch resumes
// at the same step.
func TestRoundWitnessTimeoutAbortsWithoutQuorum(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))

	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	require.NoError(t, co.ReportWarmupReady(a.id))
	require.NoError(t, co.ReportWarmupReady(b.id))
	_, err = co.Tick(clock.Now())
	require.NoError(t, err)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	t1 := clock.Advance(co.Config().MaxRoundTrainTime)
	transition, err := co.Tick(t1)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "RoundWitness", co.Phase().Name())

	t2 := clock.Advance(co.Config().RoundWitnessTime)
	transition, err = co.Tick(t2)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "Cooldown", co.Phase().Name())
	require.EqualValues(t, 0, co.RoundIndex())

	t3 := clock.Advance(co.Config().CooldownTime)
	transition, err = co.Tick(t3)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "WaitingForMembers", co.Phase().Name())
	require.EqualValues(t, 0, co.Step())
}

// TestHeartbeatUnhealthyMajorityEvictsClient exercises spec.md §8
// scenario 4: once a majority of a client's co-members report it
// unhealthy over Heartbeat, tickRoundWitness's evictUnhealthy drops it
// from epoch.clients and counts an eviction, even though the round
// itself still completes normally.
func TestHeartbeatUnhealthyMajorityEvictsClient(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	co := newTestCoordinator(t, clock)
	a := newParticipant(t, 1)
	b := newParticipant(t, 2)
	c := newParticipant(t, 3)

	require.NoError(t, co.Admit(a.id, nil))
	require.NoError(t, co.Admit(b.id, nil))
	require.NoError(t, co.Admit(c.id, nil))

	_, err := co.Tick(clock.Now())
	require.NoError(t, err)
	for _, p := range []testParticipant{a, b, c} {
		require.NoError(t, co.ReportWarmupReady(p.id))
	}

	t1 := clock.Advance(time.Millisecond)
	_, err = co.Tick(t1)
	require.NoError(t, err)
	require.Equal(t, "RoundTrain", co.Phase().Name())

	// a and b (a majority of 3) flag c unhealthy.
	require.NoError(t, co.Heartbeat(a.id, []ClientId{c.id}))
	require.NoError(t, co.Heartbeat(b.id, []ClientId{c.id}))

	expected := co.ExpectedBatches()
	allParticipants := map[ClientId]testParticipant{a.id: a, b.id: b, c.id: c}
	for batch, owner := range expected {
		p := allParticipants[owner]
		resultBytes := append([]byte("output-"), byte(batch.SubIndex))
		var commitment Commitment
		copy(commitment[:], crypto.Keccak256(resultBytes))
		sig := ed25519.Sign(p.priv, commitment[:])
		require.NoError(t, co.SubmitCommitment(owner, batch, commitment, sig))
		require.NoError(t, co.SubmitResult(owner, batch, resultBytes))
	}

	witnessID := co.WitnessSet()[0]
	builder := co.NewWitnessBuilder(witnessID)
	for batch, owner := range expected {
		builder.ObserveCommitment(owner)
		builder.ObserveDownload(owner, batch)
	}
	proof, err := builder.Build(true)
	require.NoError(t, err)
	require.NoError(t, co.SubmitWitness(proof))

	t2 := clock.Advance(time.Millisecond)
	_, err = co.Tick(t2)
	require.NoError(t, err)
	require.Equal(t, "RoundWitness", co.Phase().Name())

	evictionsBefore, err := co.metrics.CounterByName(metricEvictions)
	require.NoError(t, err)
	before := evictionsBefore.Read()

	t3 := clock.Advance(co.Config().RoundWitnessTime)
	transition, err := co.Tick(t3)
	require.NoError(t, err)
	require.NotNil(t, transition)
	require.Equal(t, "Cooldown", co.Phase().Name())

	remaining := co.EpochClients()
	require.Len(t, remaining, 2)
	require.NotContains(t, remaining, c.id)

	after := evictionsBefore.Read()
	_ = before
	require.Greater(t, after, before)
}
