package util

import (
	"encoding/hex"
	"encoding/json"

	"github.com/spaolacci/murmur3"
)

// ContentRef returns a stable hex reference for a snapshot payload. Equal
// payloads hash to the same ref, so repeated saves of an unchanged snapshot
// are free on backends that store blobs by ref.
func ContentRef(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (8 * (7 - i)))
		buf[8+i] = byte(h2 >> (8 * (7 - i)))
	}
	return hex.EncodeToString(buf)
}

// SnapshotRef is the content ref of a variable snapshot. It matches the ref
// every storage backend derives when persisting the same snapshot, which
// lets dispatch messages pin a snapshot before the write lands.
func SnapshotRef(variables map[string]any) (string, error) {
	data, err := json.Marshal(variables)
	if err != nil {
		return "", err
	}
	return ContentRef(data), nil
}

// Partition maps a key onto one of n queue partitions.
func Partition(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(partitions))
}
