// Package encoding implements the on-disk and on-wire representation of a
// single vector record: the tightly packed little-endian float32 layout,
// its precomputed L2 norm, and JSON metadata serialization.
package encoding

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector buffer is malformed.
var ErrInvalidVector = errors.New("invalid vector")

// Record is the storage-backend-agnostic representation of a VectorRecord.
type Record struct {
	ID        string
	Embedding []float32
	Norm      float64
	Metadata  map[string]string
	Timestamp int64 // microseconds since epoch
}

// Norm computes the L2 norm of a vector.
func Norm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// EncodeVector encodes a float32 vector as 4*d little-endian bytes, with no
// length prefix — dimension is implicit from the shard per the wire format.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector decodes a little-endian float32 byte buffer of implicit
// dimension (len(data)/4 floats) back into a vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, ErrInvalidVector
	}
	n := len(data) / 4
	vector := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector, nil
}

// EncodeMetadata converts a metadata map to a UTF-8 JSON string.
func EncodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses a UTF-8 JSON string back to a metadata map.
func DecodeMetadata(jsonStr string) (map[string]string, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

// ValidateVector rejects nil, empty, NaN, or infinite vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, val := range vector {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// EncodeRecordBlob serializes a Record's identity-independent payload
// (embedding + norm + metadata + timestamp) as a single blob. The in-memory
// backend, the SQLite backend and the changelog do not use this format.
func EncodeRecordBlob(r *Record) ([]byte, error) {
	vecBytes, err := EncodeVector(r.Embedding)
	if err != nil {
		return nil, err
	}
	metaStr, err := EncodeMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(vecBytes))); err != nil {
		return nil, err
	}
	buf.Write(vecBytes)
	if err := binary.Write(&buf, binary.LittleEndian, r.Norm); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, r.Timestamp); err != nil {
		return nil, err
	}
	metaBytes := []byte(metaStr)
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(metaBytes))); err != nil {
		return nil, err
	}
	buf.Write(metaBytes)
	return buf.Bytes(), nil
}

// DecodeRecordBlob is the inverse of EncodeRecordBlob; ID is not embedded in
// the blob and must be supplied by the caller (it is the store key).
func DecodeRecordBlob(id string, data []byte) (*Record, error) {
	buf := bytes.NewReader(data)
	var vecLen int32
	if err := binary.Read(buf, binary.LittleEndian, &vecLen); err != nil {
		return nil, ErrInvalidVector
	}
	vecBytes := make([]byte, vecLen)
	if _, err := buf.Read(vecBytes); err != nil {
		return nil, ErrInvalidVector
	}
	vec, err := DecodeVector(vecBytes)
	if err != nil {
		return nil, err
	}
	var norm float64
	if err := binary.Read(buf, binary.LittleEndian, &norm); err != nil {
		return nil, ErrInvalidVector
	}
	var ts int64
	if err := binary.Read(buf, binary.LittleEndian, &ts); err != nil {
		return nil, ErrInvalidVector
	}
	var metaLen int32
	if err := binary.Read(buf, binary.LittleEndian, &metaLen); err != nil {
		return nil, ErrInvalidVector
	}
	metaBytes := make([]byte, metaLen)
	if metaLen > 0 {
		if _, err := buf.Read(metaBytes); err != nil {
			return nil, ErrInvalidVector
		}
	}
	meta, err := DecodeMetadata(string(metaBytes))
	if err != nil {
		return nil, err
	}
	return &Record{ID: id, Embedding: vec, Norm: norm, Metadata: meta, Timestamp: ts}, nil
}
