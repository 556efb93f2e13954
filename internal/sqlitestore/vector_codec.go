// Package sqlitestore provides a durable NodeStore/LayerStore backend for
// the hnsw package, built on modernc.org/sqlite. Vectors are encoded as
// little-endian float32 BLOBs with a 4-byte length prefix.
package sqlitestore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector cannot be encoded or decoded.
var ErrInvalidVector = errors.New("sqlitestore: invalid vector")

// EncodeVector serializes a float32 vector as a 4-byte little-endian length
// prefix followed by its little-endian float32 values.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("sqlitestore: vector too large: %d elements", len(vector))
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("sqlitestore: encode length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("sqlitestore: encode values: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	buf := bytes.NewReader(data)

	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}

	if buf.Len() < int(length)*4 {
		return nil, ErrInvalidVector
	}
	vector := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode values: %w", err)
	}
	return vector, nil
}

// encodeNeighbors serializes a layer->neighbor-id-list map as JSON; the
// adjacency structure is small relative to vector payloads so a
// binary encoding buys little here.
func encodeNeighbors(neighbors map[int][]string) ([]byte, error) {
	return json.Marshal(neighbors)
}

func decodeNeighbors(data []byte) (map[int][]string, error) {
	if len(data) == 0 {
		return map[int][]string{}, nil
	}
	var out map[int][]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
