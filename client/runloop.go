// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client implements ClientRunLoop: the single cooperative loop
// that drives a training participant through the Coordinator's
// observed phase stream, suspended at I/O points only (spec.md §4.7).
package client

import (
	"context"
	"crypto/ed25519"
	"sync"

	luxlog "github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/aggregator"
	"github.com/psyche-network/coordinator/blobcache"
	"github.com/psyche-network/coordinator/data"
	nolog "github.com/psyche-network/coordinator/log"
	"github.com/psyche-network/coordinator/trainer"
	"github.com/psyche-network/coordinator/transport"
	"github.com/psyche-network/coordinator/witness"
)

// RoundView gives ClientRunLoop read access to round-scoped assignment
// data that transport.Shim's Coordinator-state contract does not carry
// (spec.md §6 confines Shim to publish_tick/subscribe/submit). An
// in-process transport such as transport/memory can satisfy this
// directly by wrapping its Coordinator. A ledger-backed shim has no
// such view, and its snapshots carry a nil Phase (see
// transport/ledger's Subscribe doc comment), so a RunLoop built over
// one dispatches none of its phase handlers.
type RoundView interface {
	ExpectedBatches() map[coordinator.BatchId]coordinator.ClientId
	WitnessSet() []coordinator.ClientId
	NewWitnessBuilder(witnessID coordinator.ClientId) *witness.Builder
}

// Identity is the local participant's signing keys.
type Identity struct {
	ClientID coordinator.ClientId
	Signer   ed25519.PrivateKey
}

// ModelLoader obtains the epoch's starting weights, per spec.md §4.7
// step 2: download from an external artifact if epoch.checkpoint_marker
// names one, else fetch shard-by-shard from peers.
type ModelLoader interface {
	Load(ctx context.Context, marker coordinator.CheckpointMarker) ([]float32, error)
}

// Checkpointer uploads the current model to the configured sink and
// reports the resulting marker, per spec.md §4.7 step 5.
type Checkpointer interface {
	Upload(ctx context.Context, weights []float32) (coordinator.CheckpointMarker, error)
}

// RunLoop is ClientRunLoop. One RunLoop drives one local participant
// through exactly one run.
type RunLoop struct {
	identity        Identity
	authorizerProof []byte

	shim    transport.Shim
	view    RoundView
	peers   transport.PeerTransport
	reader  data.Reader
	backend trainer.Backend
	cache   *blobcache.Cache
	model   ModelLoader
	checkpointer Checkpointer
	logger  luxlog.Logger

	maxConcurrentDownloads int

	mu      sync.Mutex
	weights []float32

	admitted    bool
	warmedUp    bool
	epochOfWarm coordinator.EpochIndex
}

// New builds a RunLoop. logger may be nil (a no-op logger is used).
func New(identity Identity, authorizerProof []byte, shim transport.Shim, view RoundView, peers transport.PeerTransport, reader data.Reader, backend trainer.Backend, cache *blobcache.Cache, model ModelLoader, checkpointer Checkpointer, maxConcurrentDownloads int, logger luxlog.Logger) *RunLoop {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	if maxConcurrentDownloads <= 0 {
		maxConcurrentDownloads = 16
	}
	return &RunLoop{
		identity:               identity,
		authorizerProof:        authorizerProof,
		shim:                   shim,
		view:                   view,
		peers:                  peers,
		reader:                 reader,
		backend:                backend,
		cache:                  cache,
		model:                  model,
		checkpointer:           checkpointer,
		maxConcurrentDownloads: maxConcurrentDownloads,
		logger:                 logger,
	}
}

type roundKey struct {
	epoch coordinator.EpochIndex
	round coordinator.RoundIndex
}

// Run drives the loop until ctx is cancelled, the run reaches
// Finished, or the subscription closes. Every I/O point inside it is
// cancellable by ctx; a new Coordinator snapshot whose round no longer
// matches an in-flight RoundTrain cancels that round's work.
func (r *RunLoop) Run(ctx context.Context) error {
	snapshots, err := r.shim.Subscribe(ctx)
	if err != nil {
		return err
	}

	var haveLast bool
	var last transport.StateSnapshot
	var activeRound roundKey
	var cancelRound context.CancelFunc
	defer func() {
		if cancelRound != nil {
			cancelRound()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if haveLast && !last.Precedes(snap) {
				continue
			}
			haveLast = true
			last = snap

			key := roundKey{snap.EpochIndex, snap.RoundIndex}
			if key != activeRound {
				if cancelRound != nil {
					cancelRound()
					cancelRound = nil
				}
				if r.cache != nil {
					r.cache.Purge()
				}
			}
			activeRound = key

			if done, err := r.dispatch(ctx, snap, &cancelRound); err != nil {
				r.logger.Warn("client run loop step failed", "phase", snap.Phase.Name(), "err", err)
			} else if done {
				return nil
			}
		}
	}
}

func (r *RunLoop) dispatch(ctx context.Context, snap transport.StateSnapshot, cancelRound *context.CancelFunc) (bool, error) {
	switch snap.Phase.(type) {
	case coordinator.WaitingForMembersPhase:
		return false, r.onWaitingForMembers(ctx)
	case coordinator.WarmupPhase:
		return false, r.onWarmup(ctx, snap)
	case coordinator.RoundTrainPhase:
		if *cancelRound == nil {
			roundCtx, cancel := context.WithCancel(ctx)
			*cancelRound = cancel
			go r.runRoundTrain(roundCtx, snap)
		}
		return false, nil
	case coordinator.RoundWitnessPhase:
		return false, nil
	case coordinator.CooldownPhase:
		return false, r.onCooldown(ctx, snap)
	case coordinator.FinishedPhase:
		return true, nil
	default:
		return false, nil
	}
}

// onWaitingForMembers implements step 1: request admission and let the
// Coordinator's subscription tell us when we're through.
func (r *RunLoop) onWaitingForMembers(ctx context.Context) error {
	r.mu.Lock()
	if r.admitted {
		r.mu.Unlock()
		return nil
	}
	r.admitted = true
	r.warmedUp = false
	r.mu.Unlock()

	return r.shim.Submit(ctx, transport.AdmitInput{
		ClientID:        r.identity.ClientID,
		AuthorizerProof: r.authorizerProof,
	})
}

// onWarmup implements step 2: obtain the model, then report ready.
func (r *RunLoop) onWarmup(ctx context.Context, snap transport.StateSnapshot) error {
	r.mu.Lock()
	if r.warmedUp && r.epochOfWarm == snap.EpochIndex {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	weights, err := r.model.Load(ctx, snap.CheckpointMarker)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.weights = weights
	r.warmedUp = true
	r.epochOfWarm = snap.EpochIndex
	r.mu.Unlock()

	return r.shim.Submit(ctx, transport.WarmupReadyInput{ClientID: r.identity.ClientID})
}

// onCooldown implements step 5: upload a checkpoint and report its
// marker whenever a Checkpointer is configured. It does not check
// whether this client is in the epoch's checkpointer set; the
// Coordinator answers a report from a client outside that set with
// ErrNotCheckpointer.
func (r *RunLoop) onCooldown(ctx context.Context, snap transport.StateSnapshot) error {
	if r.checkpointer == nil {
		return nil
	}
	r.mu.Lock()
	weights := r.weights
	r.mu.Unlock()

	marker, err := r.checkpointer.Upload(ctx, weights)
	if err != nil {
		return err
	}
	return r.shim.Submit(ctx, transport.ReportCheckpointInput{
		ClientID: r.identity.ClientID,
		Marker:   marker,
	})
}

// runRoundTrain implements step 3 and the tail of step 4: train every
// locally-owned batch, broadcast commitments, fetch every remote
// batch's compressed update, and submit a witness proof if elected.
// It is cancelled (via roundCtx) the instant the observed round
// changes, per spec.md §5's cancellation rule.
func (r *RunLoop) runRoundTrain(roundCtx context.Context, snap transport.StateSnapshot) {
	expected := r.expectedBatches(roundCtx)
	if expected == nil {
		return
	}

	witnessSet := r.witnessSet(roundCtx)
	isWitness := false
	for _, w := range witnessSet {
		if w == r.identity.ClientID {
			isWitness = true
			break
		}
	}
	var builder WitnessObserver
	if isWitness {
		builder = r.newWitnessBuilder(roundCtx)
	}

	type observed struct {
		client coordinator.ClientId
		batch  coordinator.BatchId
	}
	var all []observed
	for batch, owner := range expected {
		all = append(all, observed{owner, batch})
	}

	group, gctx := errgroup.WithContext(roundCtx)
	group.SetLimit(r.maxConcurrentDownloads)

	var mu sync.Mutex
	var commitments = make(map[coordinator.BatchId]coordinator.Commitment)

	for _, o := range all {
		o := o
		group.Go(func() error {
			if o.client == r.identity.ClientID {
				return r.trainLocalBatch(gctx, snap, o.batch, &mu, commitments, builder)
			}
			return r.fetchRemoteBatch(gctx, o.client, o.batch, &mu, commitments, builder)
		})
	}

	if err := group.Wait(); err != nil {
		r.logger.Warn("round train group failed", "err", err)
	}

	if builder != nil {
		mu.Lock()
		complete := len(commitments) == len(all)
		mu.Unlock()
		r.maybeSubmitWitness(roundCtx, builder, complete)
	}
}

// WitnessObserver is the subset of witness.Builder's API RunLoop
// depends on, so tests can substitute a stub.
type WitnessObserver interface {
	ObserveCommitment(clientID coordinator.ClientId)
	ObserveDownload(clientID coordinator.ClientId, batchID coordinator.BatchId)
	Build(opportunistic bool) (coordinator.WitnessProof, error)
}

func (r *RunLoop) trainLocalBatch(ctx context.Context, snap transport.StateSnapshot, batch coordinator.BatchId, mu *sync.Mutex, commitments map[coordinator.BatchId]coordinator.Commitment, builder WitnessObserver) error {
	tokens, err := r.reader.Read(ctx, coordinator.StepIndex(0), batch)
	if err != nil {
		return err
	}

	mu.Lock()
	weights := append([]float32(nil), r.weights...)
	mu.Unlock()

	commitment, update, err := r.backend.Train(ctx, r.identity.ClientID, batch, weights, tokens)
	if err != nil {
		return err
	}

	preimage, err := resultPreimage(update, r.identity.ClientID, batch)
	if err != nil {
		return err
	}

	sig := ed25519.Sign(r.identity.Signer, commitment[:])
	if err := r.shim.Submit(ctx, transport.CommitmentInput{
		ClientID:   r.identity.ClientID,
		BatchID:    batch,
		Commitment: commitment,
		Signature:  sig,
	}); err != nil {
		return err
	}
	if err := r.shim.Submit(ctx, transport.ResultInput{
		ClientID:    r.identity.ClientID,
		BatchID:     batch,
		ResultBytes: preimage,
	}); err != nil {
		return err
	}

	updateBytes, err := update.MarshalBinary()
	if err != nil {
		return err
	}
	fp := blobcache.NewFingerprint(r.identity.ClientID, batch, commitment)
	r.cache.Put(fp, updateBytes)
	if checksum, err := update.Checksum(); err == nil {
		r.logger.Debug("client: cached compressed update", "batch", batch, "fingerprint", fp.String(), "checksum", checksum)
	}

	if r.peers != nil {
		_ = r.peers.BroadcastCommitment(ctx, transport.CommitmentMessage{
			ClientID:   r.identity.ClientID,
			BatchID:    batch,
			Commitment: commitment,
			Signature:  sig,
		})
	}

	mu.Lock()
	commitments[batch] = commitment
	mu.Unlock()
	if builder != nil {
		builder.ObserveCommitment(r.identity.ClientID)
		builder.ObserveDownload(r.identity.ClientID, batch)
	}
	return nil
}

func (r *RunLoop) fetchRemoteBatch(ctx context.Context, owner coordinator.ClientId, batch coordinator.BatchId, mu *sync.Mutex, commitments map[coordinator.BatchId]coordinator.Commitment, builder WitnessObserver) error {
	commitment, ok := r.waitForCommitment(ctx, owner, batch)
	if !ok {
		return nil
	}
	if builder != nil {
		builder.ObserveCommitment(owner)
	}

	_, err := r.cache.Get(ctx, owner, batch, commitment)
	if err != nil {
		return err
	}

	mu.Lock()
	commitments[batch] = commitment
	mu.Unlock()
	if builder != nil {
		builder.ObserveDownload(owner, batch)
	}
	return nil
}

// CommitmentWatcher observes peer commitments broadcast over
// PeerTransport. A production RunLoop built with a concrete
// PeerTransport supplies one; tests may supply a stub.
type CommitmentWatcher interface {
	WaitForCommitment(ctx context.Context, owner coordinator.ClientId, batch coordinator.BatchId) (coordinator.Commitment, bool)
}

func (r *RunLoop) waitForCommitment(ctx context.Context, owner coordinator.ClientId, batch coordinator.BatchId) (coordinator.Commitment, bool) {
	if watcher, ok := r.peers.(CommitmentWatcher); ok {
		return watcher.WaitForCommitment(ctx, owner, batch)
	}
	return coordinator.Commitment{}, false
}

func (r *RunLoop) expectedBatches(ctx context.Context) map[coordinator.BatchId]coordinator.ClientId {
	if r.view == nil {
		return nil
	}
	return r.view.ExpectedBatches()
}

func (r *RunLoop) witnessSet(ctx context.Context) []coordinator.ClientId {
	if r.view == nil {
		return nil
	}
	return r.view.WitnessSet()
}

func (r *RunLoop) newWitnessBuilder(ctx context.Context) WitnessObserver {
	if r.view == nil {
		return nil
	}
	return r.view.NewWitnessBuilder(r.identity.ClientID)
}

// maybeSubmitWitness builds and submits a witness proof. complete
// reports whether every expected batch was both committed and
// downloaded; only then is the proof marked opportunistic. A witness
// that has not observed every expected batch still reports what it saw.
func (r *RunLoop) maybeSubmitWitness(ctx context.Context, builder WitnessObserver, complete bool) {
	proof, err := builder.Build(complete)
	if err != nil {
		r.logger.Warn("witness build failed", "err", err)
		return
	}
	if err := r.shim.Submit(ctx, transport.WitnessProofInput{Proof: proof}); err != nil {
		r.logger.Warn("submit witness failed", "err", err)
	}
}

func resultPreimage(update aggregator.CompressedUpdate, clientID coordinator.ClientId, batch coordinator.BatchId) ([]byte, error) {
	updateBytes, err := update.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := append([]byte(nil), updateBytes...)
	buf = append(buf, clientID.Signer[:]...)
	buf = append(buf, clientID.P2PIdentity[:]...)
	var stepBuf, subBuf [8]byte
	bePutUint64(stepBuf[:], uint64(batch.Step))
	bePutUint64(subBuf[:], batch.SubIndex)
	buf = append(buf, stepBuf[:]...)
	buf = append(buf, subBuf[:]...)
	return buf, nil
}

func bePutUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
