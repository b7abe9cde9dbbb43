// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	luxlog "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psyche-network/coordinator/assignment"
	"github.com/psyche-network/coordinator/config"
	nolog "github.com/psyche-network/coordinator/log"
	"github.com/psyche-network/coordinator/round"
	"github.com/psyche-network/coordinator/set"
	"github.com/psyche-network/coordinator/witness"
)

// Clock abstracts wall-clock time so tick is replay-testable without
// real sleeps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock: time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Authorizer decides whether a client's admit proof is accepted.
// Authorizer program internals are out of scope (Non-goal); the
// default AllowAll implementation exists only so the Coordinator is
// usable without a real authority wired in.
type Authorizer interface {
	Authorize(clientID ClientId, proof []byte) bool
}

// AllowAllAuthorizer authorizes every admit request.
type AllowAllAuthorizer struct{}

// Authorize always returns true.
func (AllowAllAuthorizer) Authorize(ClientId, []byte) bool { return true }

// PhaseTransition reports a phase change performed by tick.
type PhaseTransition struct {
	From Phase
	To   Phase
}

// epochState holds everything that lives and dies with one epoch.
type epochState struct {
	index            EpochIndex
	startedAt        time.Time
	clients          []ClientId
	randomSeed       [32]byte
	checkpointMarker CheckpointMarker

	roundIndex RoundIndex
	stepAtOpen StepIndex // step value when Warmup was entered; restored if the epoch aborts
	step       StepIndex

	warmupReady map[ClientId]bool

	// unhealthyReporters[target] = set of reporters who flagged target
	// unhealthy during the current round.
	unhealthyReporters map[ClientId]set.Set[ClientId]

	witnessSet      []ClientId
	checkpointerSet []ClientId

	checkpointReported bool
}

// Coordinator is the training-run state machine. It holds no global
// state: every field lives on the struct, constructed via New.
type Coordinator struct {
	cfg        config.Config
	model      ModelSpec
	clock      Clock
	logger     luxlog.Logger
	authorizer Authorizer
	metrics    *Metrics

	phase          Phase
	pauseRequested bool

	pendingClients []ClientId
	epoch          *epochState
	round          *round.State

	globalStep StepIndex

	earned map[ClientId]uint64
	slash  map[ClientId]uint64
}

// New constructs a Coordinator in WaitingForMembers with no members.
// reg may be nil. logger may be nil, in which case a no-op logger is
// used. authorizer may be nil, in which case AllowAllAuthorizer is
// used.
func New(cfg config.Config, model ModelSpec, clock Clock, logger luxlog.Logger, authorizer Authorizer, reg prometheus.Registerer) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	return &Coordinator{
		cfg:        cfg,
		model:      model,
		clock:      clock,
		logger:     logger,
		authorizer: authorizer,
		metrics:    newMetrics(reg),
		phase:      WaitingForMembersPhase{},
		earned:     make(map[ClientId]uint64),
		slash:      make(map[ClientId]uint64),
	}, nil
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase { return c.phase }

// Step returns the current global training step.
func (c *Coordinator) Step() StepIndex { return c.globalStep }

// Config returns the immutable run configuration.
func (c *Coordinator) Config() config.Config { return c.cfg }

func (c *Coordinator) isMember(clientID ClientId) bool {
	for _, p := range c.pendingClients {
		if p == clientID {
			return true
		}
	}
	if c.epoch != nil {
		for _, m := range c.epoch.clients {
			if m == clientID {
				return true
			}
		}
	}
	return false
}

// Admit places clientID into pending_clients if the run can still
// accept members and the client is not already known.
func (c *Coordinator) Admit(clientID ClientId, authorizerProof []byte) error {
	if _, ok := c.phase.(PausedPhase); ok {
		return ErrRunPaused
	}
	if _, ok := c.phase.(FinishedPhase); ok {
		return ErrRunFinished
	}
	if !c.authorizer.Authorize(clientID, authorizerProof) {
		return ErrNotAuthorized
	}
	if c.isMember(clientID) {
		return ErrAlreadyMember
	}
	c.pendingClients = append(c.pendingClients, clientID)
	c.metrics.Admits.Inc()
	c.logger.Debug("coordinator: admit", "client", clientID.String())
	return nil
}

// Heartbeat records liveness and merges clientID's peer-reported
// unhealthy set for the current round (counted, not trusted
// individually).
func (c *Coordinator) Heartbeat(clientID ClientId, unhealthyReports []ClientId) error {
	if !c.isMember(clientID) {
		return ErrUnknownMember
	}
	if c.epoch == nil {
		return nil
	}
	for _, target := range unhealthyReports {
		reporters, ok := c.epoch.unhealthyReporters[target]
		if !ok {
			reporters = set.Set[ClientId]{}
			c.epoch.unhealthyReporters[target] = reporters
		}
		reporters.Add(clientID)
	}
	return nil
}

// ReportWarmupReady records that clientID finished loading the model
// for the current epoch.
func (c *Coordinator) ReportWarmupReady(clientID ClientId) error {
	if c.epoch == nil || c.epoch.warmupReady == nil {
		return ErrUnknownMember
	}
	if _, ok := c.epoch.warmupReady[clientID]; !ok {
		return ErrUnknownMember
	}
	c.epoch.warmupReady[clientID] = true
	return nil
}

// SubmitWitness accepts proof if the signer is in the current round's
// witness set and has not already submitted for this round.
func (c *Coordinator) SubmitWitness(proof WitnessProof) error {
	if _, ok := c.phase.(RoundTrainPhase); !ok {
		if _, ok := c.phase.(RoundWitnessPhase); !ok {
			return ErrWrongPhase
		}
	}
	if c.epoch == nil || c.round == nil {
		return ErrWrongPhase
	}
	if proof.RoundIndex != c.epoch.roundIndex {
		return ErrWrongRound
	}
	isWitness := false
	for _, w := range c.epoch.witnessSet {
		if w == proof.WitnessClientID {
			isWitness = true
			break
		}
	}
	if !isWitness {
		return ErrNotWitness
	}
	for _, existing := range c.round.WitnessProofs {
		if existing.WitnessClientID == proof.WitnessClientID {
			return ErrDuplicateProof
		}
	}
	if err := witness.Validate(proof, c.cfg.Bloom); err != nil {
		c.slashClient(proof.WitnessClientID)
		return ErrMalformedBloom
	}
	c.round.AddWitnessProof(proof)
	c.logger.Debug("coordinator: witness proof accepted", "witness", proof.WitnessClientID.String(), "opportunistic", proof.Opportunistic)
	return nil
}

// ReportCheckpoint marks the epoch's checkpoint artifact available at
// marker, provided the run is in Cooldown and clientID is a
// checkpointer for this epoch.
func (c *Coordinator) ReportCheckpoint(clientID ClientId, marker CheckpointMarker) error {
	if _, ok := c.phase.(CooldownPhase); !ok {
		return ErrWrongPhase
	}
	if c.epoch == nil {
		return ErrWrongPhase
	}
	isCheckpointer := false
	for _, cp := range c.epoch.checkpointerSet {
		if cp == clientID {
			isCheckpointer = true
			break
		}
	}
	if !isCheckpointer {
		return ErrNotCheckpointer
	}
	c.epoch.checkpointMarker = marker
	c.epoch.checkpointReported = true
	c.logger.Debug("coordinator: checkpoint reported", "client", clientID.String())
	return nil
}

// SubmitCommitment verifies and records a client's commitment for a
// batch against the current round's expected_batches.
func (c *Coordinator) SubmitCommitment(clientID ClientId, batchID BatchId, commitment Commitment, sig []byte) error {
	if c.round == nil {
		return ErrWrongPhase
	}
	return c.round.OnCommitment(clientID, batchID, commitment, sig)
}

// SubmitResult verifies resultBytes against the batch's recorded
// commitment and marks it downloaded. A hash mismatch slashes clientID.
func (c *Coordinator) SubmitResult(clientID ClientId, batchID BatchId, resultBytes []byte) error {
	if c.round == nil {
		return ErrWrongPhase
	}
	if err := c.round.OnResult(clientID, batchID, resultBytes); err != nil {
		if errors.Is(err, ErrCommitmentMismatch) {
			c.slashClient(clientID)
		}
		return err
	}
	return nil
}

// NewWitnessBuilder starts a fresh WitnessProof builder for the
// current round and the run's bloom parameters.
func (c *Coordinator) NewWitnessBuilder(witnessID ClientId) *witness.Builder {
	var roundIndex RoundIndex
	if c.epoch != nil {
		roundIndex = c.epoch.roundIndex
	}
	return witness.NewBuilder(witnessID, roundIndex, c.cfg.Bloom)
}

// slashClient records a slash event against clientID.
func (c *Coordinator) slashClient(clientID ClientId) {
	c.slash[clientID] += c.cfg.SlashingRatePerClient
	c.metrics.Slashes.Inc()
	c.logger.Warn("coordinator: slashed client", "client", clientID.String())
}

// RejectResult records a slash against clientID for result bytes that
// failed verification against its commitment. SubmitResult does not
// call it; it slashes on ErrCommitmentMismatch by itself.
func (c *Coordinator) RejectResult(clientID ClientId) {
	c.slashClient(clientID)
}

// Tick is the only mutator of phase. It is safe to call repeatedly
// with the same now; once a transition has been taken the state no
// longer matches, so no further transition fires for that (state, now).
func (c *Coordinator) Tick(now time.Time) (*PhaseTransition, error) {
	if transition := c.tickPause(now); transition != nil {
		return transition, nil
	}
	if _, paused := c.phase.(PausedPhase); paused {
		return nil, nil
	}

	switch p := c.phase.(type) {
	case WaitingForMembersPhase:
		return c.tickWaitingForMembers(now), nil
	case WarmupPhase:
		return c.tickWarmup(now, p), nil
	case RoundTrainPhase:
		return c.tickRoundTrain(now, p), nil
	case RoundWitnessPhase:
		return c.tickRoundWitness(now, p), nil
	case CooldownPhase:
		return c.tickCooldown(now, p), nil
	case FinishedPhase:
		return nil, nil
	default:
		return nil, fmt.Errorf("coordinator: unknown phase %T", p)
	}
}

// SetPaused requests (or clears) a pause. The actual phase change
// happens on the next Tick, per spec.md §4.1 edge 7.
func (c *Coordinator) SetPaused(paused bool) {
	c.pauseRequested = paused
}

func (c *Coordinator) tickPause(now time.Time) *PhaseTransition {
	_, alreadyPaused := c.phase.(PausedPhase)
	if c.pauseRequested && !alreadyPaused {
		from := c.phase
		c.phase = PausedPhase{}
		c.logPhaseChange(from, c.phase)
		return &PhaseTransition{From: from, To: c.phase}
	}
	if !c.pauseRequested && alreadyPaused {
		from := c.phase
		c.epoch = nil
		c.round = nil
		c.phase = WaitingForMembersPhase{}
		c.logPhaseChange(from, c.phase)
		return &PhaseTransition{From: from, To: c.phase}
	}
	return nil
}

func (c *Coordinator) tickWaitingForMembers(now time.Time) *PhaseTransition {
	if len(c.pendingClients) < c.cfg.InitMinClients {
		return nil
	}
	from := c.phase

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand.Read on the standard reader does not fail in
		// practice; if it ever does there is nothing safe to do but
		// proceed with a zero seed rather than wedge the run.
		c.logger.Error("coordinator: random seed generation failed", "err", err)
	}

	clients := make([]ClientId, len(c.pendingClients))
	copy(clients, c.pendingClients)

	c.epoch = &epochState{
		index:              c.nextEpochIndex(),
		startedAt:          now,
		clients:            clients,
		randomSeed:         seed,
		checkpointMarker:   P2PMarker{},
		stepAtOpen:         c.globalStep,
		step:               c.globalStep,
		warmupReady:        make(map[ClientId]bool, len(clients)),
		unhealthyReporters: make(map[ClientId]set.Set[ClientId]),
	}
	for _, cl := range clients {
		c.epoch.warmupReady[cl] = false
	}
	c.pendingClients = nil

	c.phase = WarmupPhase{StartedAt: now}
	c.logPhaseChange(from, c.phase)
	return &PhaseTransition{From: from, To: c.phase}
}

func (c *Coordinator) nextEpochIndex() EpochIndex {
	if c.epoch != nil {
		return c.epoch.index + 1
	}
	return 0
}

func (c *Coordinator) tickWarmup(now time.Time, p WarmupPhase) *PhaseTransition {
	allReady := true
	for _, cl := range c.epoch.clients {
		if !c.epoch.warmupReady[cl] {
			allReady = false
			break
		}
	}
	timedOut := now.Sub(p.StartedAt) >= c.cfg.WarmupTime
	if !allReady && !timedOut {
		return nil
	}
	from := c.phase
	c.startRound(now)
	c.phase = RoundTrainPhase{StartedAt: now}
	c.logPhaseChange(from, c.phase)
	return &PhaseTransition{From: from, To: c.phase}
}

// startRound computes the witness set and data assignment for the
// current (epoch.roundIndex, epoch.step) and opens a fresh round.State.
func (c *Coordinator) startRound(now time.Time) {
	e := c.epoch
	e.witnessSet = assignment.WitnessSet(e.randomSeed, e.roundIndex, e.clients, c.cfg.WitnessNodes)
	e.checkpointerSet = assignment.CheckpointerSet(e.randomSeed, e.roundIndex, e.clients, config.CheckpointerCount(len(e.clients)))
	e.unhealthyReporters = make(map[ClientId]set.Set[ClientId])

	batchSize := c.cfg.GlobalBatchSize(uint64(e.step))
	expected := assignment.DataAssignment(e.randomSeed, e.roundIndex, e.step, e.clients, batchSize)
	c.round = round.New(e.roundIndex, now, now.Add(c.cfg.MaxRoundTrainTime), expected)
	c.metrics.Phase.Set(phaseCode(RoundTrainPhase{}))
}

// activeClients returns the distinct clients with at least one batch
// assigned this round.
func (c *Coordinator) activeClients() []ClientId {
	seen := set.Set[ClientId]{}
	var out []ClientId
	for _, owner := range c.round.ExpectedBatches {
		if !seen.Contains(owner) {
			seen.Add(owner)
			out = append(out, owner)
		}
	}
	return out
}

func (c *Coordinator) quorumMet() bool {
	return witness.QuorumMet(c.round.WitnessProofs, c.cfg.Bloom, c.activeClients(), len(c.epoch.witnessSet))
}

func (c *Coordinator) tickRoundTrain(now time.Time, p RoundTrainPhase) *PhaseTransition {
	timedOut := now.Sub(p.StartedAt) >= c.cfg.MaxRoundTrainTime
	if !c.quorumMet() && !timedOut {
		return nil
	}
	from := c.phase
	c.phase = RoundWitnessPhase{StartedAt: now}
	c.logPhaseChange(from, c.phase)
	return &PhaseTransition{From: from, To: c.phase}
}

// healthyClients returns the epoch's current clients minus those
// flagged unhealthy by a majority of their co-members this round.
func (c *Coordinator) healthyClients() []ClientId {
	majority := len(c.epoch.clients)/2 + 1
	var out []ClientId
	for _, cl := range c.epoch.clients {
		if len(c.epoch.unhealthyReporters[cl]) < majority {
			out = append(out, cl)
		}
	}
	return out
}

// tickRoundWitness implements spec.md §4.1 edges 4, 5 and 8. A round
// only "completes" (advances round.index and step) when it had enough
// healthy members and met witness quorum; otherwise Cooldown is
// entered with Aborted=true and nothing advances, so a re-admitted
// epoch resumes at the same step.
func (c *Coordinator) tickRoundWitness(now time.Time, p RoundWitnessPhase) *PhaseTransition {
	if now.Sub(p.StartedAt) < c.cfg.RoundWitnessTime {
		return nil
	}
	from := c.phase

	healthy := c.healthyClients()
	roundOK := len(healthy) >= c.cfg.MinClients && c.quorumMet()

	if !roundOK {
		c.creditEarned(healthy)
		c.phase = CooldownPhase{StartedAt: now, Aborted: true}
		c.logPhaseChange(from, c.phase)
		return &PhaseTransition{From: from, To: c.phase}
	}

	c.evictUnhealthy(healthy)
	c.epoch.roundIndex++
	c.epoch.step++

	if uint64(c.epoch.step) >= c.cfg.TotalSteps {
		c.phase = FinishedPhase{}
		c.logPhaseChange(from, c.phase)
		return &PhaseTransition{From: from, To: c.phase}
	}

	isLastRound := uint64(c.epoch.roundIndex) == c.cfg.RoundsPerEpoch
	if isLastRound {
		c.phase = CooldownPhase{StartedAt: now, Aborted: false}
		c.logPhaseChange(from, c.phase)
		return &PhaseTransition{From: from, To: c.phase}
	}

	c.startRound(now)
	c.phase = RoundTrainPhase{StartedAt: now}
	c.logPhaseChange(from, c.phase)
	return &PhaseTransition{From: from, To: c.phase}
}

// evictUnhealthy replaces epoch.clients with healthy and credits
// earned to the clients that remain.
func (c *Coordinator) evictUnhealthy(healthy []ClientId) {
	evicted := len(c.epoch.clients) - len(healthy)
	for i := 0; i < evicted; i++ {
		c.metrics.Evictions.Inc()
	}
	c.epoch.clients = healthy
	c.creditEarned(healthy)
}

// creditEarned increments the reward counter for every client in
// healthy for completing this round.
func (c *Coordinator) creditEarned(healthy []ClientId) {
	for _, cl := range healthy {
		c.earned[cl]++
	}
}

func (c *Coordinator) tickCooldown(now time.Time, p CooldownPhase) *PhaseTransition {
	timedOut := now.Sub(p.StartedAt) >= c.cfg.CooldownTime
	if !c.epoch.checkpointReported && !timedOut {
		return nil
	}
	from := c.phase

	if !p.Aborted {
		c.globalStep = c.epoch.step
	} else {
		c.globalStep = c.epoch.stepAtOpen
	}
	c.epoch = nil
	c.round = nil
	c.phase = WaitingForMembersPhase{}
	c.logPhaseChange(from, c.phase)
	return &PhaseTransition{From: from, To: c.phase}
}

func (c *Coordinator) logPhaseChange(from, to Phase) {
	c.metrics.Phase.Set(phaseCode(to))
	c.logger.Debug("coordinator: phase transition", "from", from.Name(), "to", to.Name())
}
