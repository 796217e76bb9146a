// Package delta packs a contiguous range of changelog entries into a
// checksummed, optionally compressed message for transmission between
// peers, deduplicating to the latest state per vector identity.
package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/liliang-cn/agentdb/pkg/changelog"
)

// Compression identifies how a Delta's payload is encoded on the wire.
type Compression string

const (
	None            Compression = "none"
	PackedBinary    Compression = "packed-binary"
	BlockCompressed Compression = "block-compressed"
)

// ErrCorruptDelta is returned when a Delta's checksum does not match its payload.
var ErrCorruptDelta = errors.New("delta: checksum mismatch")

// Delta is a self-describing wire message covering a shard's change range.
type Delta struct {
	ShardID     string                    `json:"shard_id"`
	FromID      int64                     `json:"from_id"`
	ToID        int64                     `json:"to_id"`
	Records     []changelog.ChangeRecord  `json:"records"`
	Checksum    string                    `json:"checksum"`
	Compression Compression               `json:"compression"`
}

// Compact collapses multiple changes to the same vector id down to the
// latest (highest change_id) entry, preserving ascending change_id order.
func Compact(records []changelog.ChangeRecord) []changelog.ChangeRecord {
	latest := make(map[string]changelog.ChangeRecord, len(records))
	for _, r := range records {
		if existing, ok := latest[r.VectorID]; !ok || r.ChangeID > existing.ChangeID {
			latest[r.VectorID] = r
		}
	}
	out := make([]changelog.ChangeRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeID < out[j].ChangeID })
	return out
}

// checksum computes a deterministic hash over records sorted by vector id
// (then change id), independent of their original arrival order.
func checksum(records []changelog.ChangeRecord) (string, error) {
	sorted := make([]changelog.ChangeRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].VectorID != sorted[j].VectorID {
			return sorted[i].VectorID < sorted[j].VectorID
		}
		return sorted[i].ChangeID < sorted[j].ChangeID
	})
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	h := xxhash.Sum64(data)
	return fmt.Sprintf("%016x", h), nil
}

// Build constructs a Delta for [from, to] and serializes it to wire bytes
// under the requested compression tag.
func Build(shardID string, from, to int64, records []changelog.ChangeRecord, compression Compression) ([]byte, error) {
	sum, err := checksum(records)
	if err != nil {
		return nil, err
	}
	d := Delta{ShardID: shardID, FromID: from, ToID: to, Records: records, Checksum: sum, Compression: compression}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	switch compression {
	case None, PackedBinary:
		return payload, nil
	case BlockCompressed:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("delta: unknown compression tag %q", compression)
	}
}

// Decode parses self-describing wire bytes produced by Build: it detects
// zstd-compressed payloads by magic number, decompresses if needed, then
// verifies the checksum against the decoded record set. A mismatch (or a
// single corrupted byte) yields ErrCorruptDelta.
func Decode(data []byte) (Delta, error) {
	payload := data
	if isZstd(data) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return Delta{}, err
		}
		defer dec.Close()
		decoded, err := dec.DecodeAll(data, nil)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: %v", ErrCorruptDelta, err)
		}
		payload = decoded
	}

	var d Delta
	if err := json.Unmarshal(payload, &d); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrCorruptDelta, err)
	}
	want, err := checksum(d.Records)
	if err != nil {
		return Delta{}, err
	}
	if want != d.Checksum {
		return Delta{}, ErrCorruptDelta
	}
	return d, nil
}

// zstdMagic is the 4-byte frame magic number zstd prefixes every frame with.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func isZstd(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], zstdMagic)
}

// FlipBit flips a single bit in data, used by tests to validate corruption detection.
func FlipBit(data []byte, byteIndex int, bit uint) []byte {
	out := bytes.Clone(data)
	if byteIndex >= 0 && byteIndex < len(out) {
		out[byteIndex] ^= 1 << bit
	}
	return out
}
