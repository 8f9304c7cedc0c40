package badgerstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Key layout. The group ID is length-prefixed so one group's keys can never
// be a prefix of another's, and epoch IDs are big-endian so lexicographic
// order equals numeric order.
//
//	state: 'g' | uvarint(len(groupID)) | groupID
//	epoch: 'e' | uvarint(len(groupID)) | groupID | epochID (8 bytes BE)
const (
	tagGroupState byte = 'g'
	tagEpoch      byte = 'e'
)

func stateKey(groupID []byte) []byte {
	k := make([]byte, 0, 1+binary.MaxVarintLen64+len(groupID))
	k = append(k, tagGroupState)
	k = binary.AppendUvarint(k, uint64(len(groupID)))
	return append(k, groupID...)
}

func epochPrefix(groupID []byte) []byte {
	k := make([]byte, 0, 1+binary.MaxVarintLen64+len(groupID)+8)
	k = append(k, tagEpoch)
	k = binary.AppendUvarint(k, uint64(len(groupID)))
	return append(k, groupID...)
}

func epochKey(groupID []byte, epochID uint64) []byte {
	k := epochPrefix(groupID)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], epochID)
	return append(k, id[:]...)
}

func groupIDFromStateKey(key []byte) ([]byte, error) {
	if len(key) < 2 || key[0] != tagGroupState {
		return nil, fmt.Errorf("malformed state key: %d bytes", len(key))
	}
	n, read := binary.Uvarint(key[1:])
	if read <= 0 || uint64(len(key)-1-read) != n {
		return nil, fmt.Errorf("malformed state key length prefix")
	}
	return bytes.Clone(key[1+read:]), nil
}

// Value layout: big-endian UnixNano timestamps followed by the blob.
//
//	state: createdAt (8) | updatedAt (8) | state bytes
//	epoch: createdAt (8) | data
func encodeStateValue(createdAt, updatedAt time.Time, state []byte) []byte {
	v := make([]byte, 16+len(state))
	binary.BigEndian.PutUint64(v[0:8], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(v[8:16], uint64(updatedAt.UnixNano()))
	copy(v[16:], state)
	return v
}

func decodeStateValue(v []byte) (createdAt, updatedAt time.Time, state []byte, err error) {
	if len(v) < 16 {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("short state value: %d bytes", len(v))
	}
	createdAt = time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8]))).UTC()
	updatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))).UTC()
	state = bytes.Clone(v[16:])
	return createdAt, updatedAt, state, nil
}

func encodeEpochValue(createdAt time.Time, data []byte) []byte {
	v := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(v[0:8], uint64(createdAt.UnixNano()))
	copy(v[8:], data)
	return v
}

func decodeEpochValue(v []byte) (createdAt time.Time, data []byte, err error) {
	if len(v) < 8 {
		return time.Time{}, nil, fmt.Errorf("short epoch value: %d bytes", len(v))
	}
	createdAt = time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8]))).UTC()
	data = bytes.Clone(v[8:])
	return createdAt, data, nil
}
