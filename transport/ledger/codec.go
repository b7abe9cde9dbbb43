// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/psyche-network/coordinator"
	"github.com/psyche-network/coordinator/transport"
)

// Field numbers for the persisted record's wire envelope. Only the
// transport envelope is protobuf-shaped (spec.md §4.5's distinction
// between envelope and payload extends to the ledger's persisted
// state); CompressedUpdate bytes never appear here.
const (
	fieldEpochIndex         = 1
	fieldRoundIndex         = 2
	fieldPhaseNonce         = 3
	fieldPhaseName          = 4
	fieldPendingHash        = 5
	fieldCheckpointKind     = 6
	fieldCheckpointPayload  = 7
	fieldConfigFingerprint  = 8
)

// checkpoint marker kinds, mirrored from coordinator's sealed
// CheckpointMarker variants.
const (
	markerKindNone byte = iota
	markerKindHub
	markerKindGcs
	markerKindP2P
	markerKindDummy
)

// configFingerprint derives a short digest over the fields a
// ConfigMismatch check cares about, so the ledger record stays small
// without byte-exact-serializing the full Config (a scoped
// simplification — see DESIGN.md).
func configFingerprint(cfg interface {
	String() string
}) [32]byte {
	return sha256.Sum256([]byte(cfg.String()))
}

// EncodeSnapshot serializes snap into the ledger's persisted record
// payload using raw protobuf wire encoding (field-tagged, no generated
// message type — see package doc).
func EncodeSnapshot(snap transport.StateSnapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpochIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.EpochIndex))
	b = protowire.AppendTag(b, fieldRoundIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.RoundIndex))
	b = protowire.AppendTag(b, fieldPhaseNonce, protowire.VarintType)
	b = protowire.AppendVarint(b, snap.PhaseNonce)
	b = protowire.AppendTag(b, fieldPhaseName, protowire.BytesType)
	b = protowire.AppendString(b, snap.Phase.Name())
	b = protowire.AppendTag(b, fieldPendingHash, protowire.BytesType)
	b = protowire.AppendBytes(b, snap.PendingClientsHash[:])

	kind, payload := encodeMarker(snap.CheckpointMarker)
	b = protowire.AppendTag(b, fieldCheckpointKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kind))
	b = protowire.AppendTag(b, fieldCheckpointPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)

	fp := configFingerprint(snap.Config)
	b = protowire.AppendTag(b, fieldConfigFingerprint, protowire.BytesType)
	b = protowire.AppendBytes(b, fp[:])
	return b
}

// DecodedSnapshot is the subset of StateSnapshot recoverable from the
// ledger's persisted record without access to a live Coordinator: the
// phase is kept only as its name (PhaseName), not the original sealed
// Phase value, and Config only as its fingerprint.
type DecodedSnapshot struct {
	EpochIndex         coordinator.EpochIndex
	RoundIndex         coordinator.RoundIndex
	PhaseNonce         uint64
	PhaseName          string
	PendingClientsHash [32]byte
	CheckpointMarker   coordinator.CheckpointMarker
	ConfigFingerprint  [32]byte
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (DecodedSnapshot, error) {
	var out DecodedSnapshot
	var markerKind uint64
	var markerPayload []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return out, fmt.Errorf("ledger: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldEpochIndex:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return out, err
			}
			out.EpochIndex = coordinator.EpochIndex(v)
			data = data[n:]
		case fieldRoundIndex:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return out, err
			}
			out.RoundIndex = coordinator.RoundIndex(v)
			data = data[n:]
		case fieldPhaseNonce:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return out, err
			}
			out.PhaseNonce = v
			data = data[n:]
		case fieldPhaseName:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return out, err
			}
			out.PhaseName = s
			data = data[n:]
		case fieldPendingHash:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return out, err
			}
			copy(out.PendingClientsHash[:], v)
			data = data[n:]
		case fieldCheckpointKind:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return out, err
			}
			markerKind = v
			data = data[n:]
		case fieldCheckpointPayload:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return out, err
			}
			markerPayload = v
			data = data[n:]
		case fieldConfigFingerprint:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return out, err
			}
			copy(out.ConfigFingerprint[:], v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return out, fmt.Errorf("ledger: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	out.CheckpointMarker = decodeMarker(byte(markerKind), markerPayload)
	return out, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("ledger: expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, fmt.Errorf("ledger: malformed varint: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("ledger: expected bytes, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, fmt.Errorf("ledger: malformed bytes: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	v, n, err := consumeBytes(data, typ)
	if err != nil {
		return "", 0, err
	}
	return string(v), n, nil
}

func encodeMarker(marker coordinator.CheckpointMarker) (byte, []byte) {
	switch m := marker.(type) {
	case coordinator.HubMarker:
		return markerKindHub, joinFields(m.Repo, m.Revision)
	case coordinator.GcsMarker:
		return markerKindGcs, joinFields(m.Bucket, m.Prefix)
	case coordinator.P2PMarker:
		return markerKindP2P, nil
	case coordinator.DummyMarker:
		return markerKindDummy, nil
	default:
		return markerKindNone, nil
	}
}

func decodeMarker(kind byte, payload []byte) coordinator.CheckpointMarker {
	switch kind {
	case markerKindHub:
		repo, revision := splitFields(payload)
		return coordinator.HubMarker{Repo: repo, Revision: revision}
	case markerKindGcs:
		bucket, prefix := splitFields(payload)
		return coordinator.GcsMarker{Bucket: bucket, Prefix: prefix}
	case markerKindP2P:
		return coordinator.P2PMarker{}
	case markerKindDummy:
		return coordinator.DummyMarker{}
	default:
		return nil
	}
}

// joinFields/splitFields pack two strings into one length-prefixed
// buffer, avoiding a NUL-separator ambiguity if either string
// contained one.
func joinFields(a, b string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(a)))
	out := make([]byte, 0, 4+len(a)+len(b))
	out = append(out, lenBuf[:]...)
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func splitFields(data []byte) (string, string) {
	if len(data) < 4 {
		return "", ""
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if int(n) > len(data) {
		return "", ""
	}
	return string(data[:n]), string(data[n:])
}
