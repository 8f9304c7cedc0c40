// Package cryptostore wraps any store.Backend with at-rest encryption.
// State and epoch blobs are sealed with XChaCha20-Poly1305 before they reach
// the inner backend; metadata (group IDs, epoch IDs, counts, timestamps)
// stays in the clear so pruning and stats need no key.
package cryptostore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tangowhisky-dev/mls-store/pkg/store"
)

// blobVersion prefixes every sealed blob so the format can evolve.
const blobVersion byte = 1

// ErrWrongKey is returned when a blob does not open under the configured
// key. The AEAD authenticates every blob, so a wrong key can never surface
// as garbage plaintext.
var ErrWrongKey = errors.New("cryptostore: wrong key or corrupted blob")

// Store seals blobs on the way into the inner backend and opens them on the
// way out. Every blob's associated data binds it to its record identity, so
// a ciphertext moved between records fails to open.
type Store struct {
	inner store.Backend
	key   *memguard.LockedBuffer
}

// sentinelGroupID is the reserved group holding the key-check record. The
// leading NUL keeps it outside any caller's group ID space; the wrapper
// hides it from reads, enumeration and stats.
var sentinelGroupID = []byte("\x00cryptostore:sentinel")

const sentinelPlaintext = "mls-store sealing sentinel"

// Wrap returns a sealing Backend around inner. The key must be
// chacha20poly1305.KeySize bytes; on success Wrap takes ownership and
// destroys it on Close, on error the caller keeps it.
//
// The first Wrap over a backend writes a sealed sentinel record; later
// Wraps open it, so a wrong key fails here with ErrWrongKey instead of at
// the first blob read.
func Wrap(ctx context.Context, inner store.Backend, key *memguard.LockedBuffer) (*Store, error) {
	if key == nil || key.Size() != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cryptostore: key must be %d bytes", chacha20poly1305.KeySize)
	}
	s := &Store{inner: inner, key: key}

	rec, ok, err := inner.LoadGroupState(ctx, sentinelGroupID)
	if err != nil {
		return nil, fmt.Errorf("load sealing sentinel: %w", err)
	}
	if ok {
		if _, err := s.open(rec.State, stateAAD(sentinelGroupID)); err != nil {
			return nil, fmt.Errorf("verify sealing key: %w", err)
		}
		return s, nil
	}
	ct, err := s.seal([]byte(sentinelPlaintext), stateAAD(sentinelGroupID))
	if err != nil {
		return nil, fmt.Errorf("seal sentinel: %w", err)
	}
	now := time.Now().UTC()
	err = inner.Apply(ctx, store.WriteBatch{
		GroupID:        sentinelGroupID,
		State:          ct,
		StateCreatedAt: now,
		StateUpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("write sealing sentinel: %w", err)
	}
	return s, nil
}

// GenerateKey returns a fresh random sealing key in locked memory.
func GenerateKey() (*memguard.LockedBuffer, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	defer memguard.WipeBytes(raw)
	return memguard.NewBufferFromBytes(raw), nil
}

func (s *Store) seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func (s *Store) open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed blob too short: %d bytes: %w", len(sealed), ErrWrongKey)
	}
	if sealed[0] != blobVersion {
		return nil, fmt.Errorf("unsupported sealed blob version %d", sealed[0])
	}
	aead, err := chacha20poly1305.NewX(s.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, ErrWrongKey
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

func (s *Store) LoadGroupState(ctx context.Context, groupID []byte) (store.GroupState, bool, error) {
	if bytes.Equal(groupID, sentinelGroupID) {
		return store.GroupState{}, false, nil
	}
	rec, ok, err := s.inner.LoadGroupState(ctx, groupID)
	if err != nil || !ok {
		return rec, ok, err
	}
	pt, err := s.open(rec.State, stateAAD(groupID))
	if err != nil {
		return store.GroupState{}, false, fmt.Errorf("open state blob: %w", err)
	}
	rec.State = pt
	return rec, true, nil
}

func (s *Store) LoadEpoch(ctx context.Context, groupID []byte, epochID uint64) (store.EpochRecord, bool, error) {
	rec, ok, err := s.inner.LoadEpoch(ctx, groupID, epochID)
	if err != nil || !ok {
		return rec, ok, err
	}
	pt, err := s.open(rec.Data, epochAAD(groupID, epochID))
	if err != nil {
		return store.EpochRecord{}, false, fmt.Errorf("open epoch blob: %w", err)
	}
	rec.Data = pt
	return rec, true, nil
}

func (s *Store) ListEpochs(ctx context.Context, groupID []byte) ([]store.EpochRecord, error) {
	recs, err := s.inner.ListEpochs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		pt, err := s.open(recs[i].Data, epochAAD(groupID, recs[i].EpochID))
		if err != nil {
			return nil, fmt.Errorf("open epoch blob %d: %w", recs[i].EpochID, err)
		}
		recs[i].Data = pt
	}
	return recs, nil
}

func (s *Store) MaxEpochID(ctx context.Context, groupID []byte) (uint64, bool, error) {
	return s.inner.MaxEpochID(ctx, groupID)
}

func (s *Store) Apply(ctx context.Context, batch store.WriteBatch) error {
	if bytes.Equal(batch.GroupID, sentinelGroupID) {
		return fmt.Errorf("cryptostore: group id is reserved")
	}
	sealed := batch
	ct, err := s.seal(batch.State, stateAAD(batch.GroupID))
	if err != nil {
		return fmt.Errorf("seal state blob: %w", err)
	}
	sealed.State = ct
	sealed.Epochs = make([]store.EpochRecord, len(batch.Epochs))
	for i, ep := range batch.Epochs {
		ct, err := s.seal(ep.Data, epochAAD(batch.GroupID, ep.EpochID))
		if err != nil {
			return fmt.Errorf("seal epoch blob %d: %w", ep.EpochID, err)
		}
		ep.Data = ct
		sealed.Epochs[i] = ep
	}
	return s.inner.Apply(ctx, sealed)
}

func (s *Store) PruneEpochs(ctx context.Context, groupID []byte, keepLastN int) (int, error) {
	return s.inner.PruneEpochs(ctx, groupID, keepLastN)
}

func (s *Store) DeleteGroup(ctx context.Context, groupID []byte) error {
	return s.inner.DeleteGroup(ctx, groupID)
}

func (s *Store) GroupIDs(ctx context.Context) ([][]byte, error) {
	ids, err := s.inner.GroupIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if !bytes.Equal(id, sentinelGroupID) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	st, err := s.inner.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	if _, ok, err := s.inner.LoadGroupState(ctx, sentinelGroupID); err != nil {
		return store.Stats{}, err
	} else if ok {
		st.Groups--
	}
	return st, nil
}

// Close destroys the sealing key and closes the inner backend.
func (s *Store) Close() error {
	err := s.inner.Close()
	s.key.Destroy()
	return err
}

// stateAAD binds a state blob to its group.
func stateAAD(groupID []byte) []byte {
	aad := make([]byte, 0, 9+len(groupID))
	aad = append(aad, []byte("v1:state:")...)
	return append(aad, groupID...)
}

// epochAAD binds an epoch blob to (group, epoch). The epoch ID is fixed
// width so the encoding is unambiguous for any group ID.
func epochAAD(groupID []byte, epochID uint64) []byte {
	aad := make([]byte, 0, 9+8+len(groupID))
	aad = append(aad, []byte("v1:epoch:")...)
	aad = binary.BigEndian.AppendUint64(aad, epochID)
	return append(aad, groupID...)
}
