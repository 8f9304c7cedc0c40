// Package backup exports a whole store to a portable archive and replays
// archives back into a backend. The archive is self-describing: magic bytes,
// a JSON header with record counts, an NDJSON body (one record per line,
// blobs base64-encoded), and a trailing SHA-256 checksum of the body.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tangowhisky-dev/mls-store/pkg/errmodel"
	"github.com/tangowhisky-dev/mls-store/pkg/store"
)

// Magic bytes identify archive files.
var magicBytes = []byte("MLSSTORE")

const archiveVersion = 1

const (
	kindState = "state"
	kindEpoch = "epoch"
)

type header struct {
	Version   int       `json:"version"`
	ExportID  string    `json:"export_id"`
	CreatedAt time.Time `json:"created_at"`
	Groups    int64     `json:"groups"`
	Epochs    int64     `json:"epochs"`
}

// record is one NDJSON body line. State records carry UpdatedAt; epoch
// records carry EpochID.
type record struct {
	Kind      string    `json:"kind"`
	GroupID   []byte    `json:"group_id"`
	EpochID   *uint64   `json:"epoch_id,omitempty"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Export writes every group of the backend to w: the group's state record
// followed by its epochs in ascending epoch ID order. Returns the archive's
// export ID.
func Export(ctx context.Context, b store.Backend, w io.Writer) (string, error) {
	ids, err := b.GroupIDs(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerate groups: %w", err)
	}

	// Gather everything before writing: the header's record counts must
	// match the body exactly, even if a group vanishes mid-export.
	var (
		groups int64
		epochs int64
		body   []record
	)
	for _, gid := range ids {
		gs, ok, err := b.LoadGroupState(ctx, gid)
		if err != nil {
			return "", fmt.Errorf("load group state: %w", err)
		}
		if !ok {
			continue
		}
		groups++
		body = append(body, record{
			Kind:      kindState,
			GroupID:   gs.GroupID,
			Data:      gs.State,
			CreatedAt: gs.CreatedAt,
			UpdatedAt: gs.UpdatedAt,
		})
		eps, err := b.ListEpochs(ctx, gid)
		if err != nil {
			return "", fmt.Errorf("list epochs: %w", err)
		}
		for _, ep := range eps {
			id := ep.EpochID
			epochs++
			body = append(body, record{
				Kind:      kindEpoch,
				GroupID:   ep.GroupID,
				EpochID:   &id,
				Data:      ep.Data,
				CreatedAt: ep.CreatedAt,
			})
		}
	}

	exportID := uuid.NewString()
	hdr := header{
		Version:   archiveVersion,
		ExportID:  exportID,
		CreatedAt: time.Now().UTC(),
		Groups:    groups,
		Epochs:    epochs,
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	if _, err := w.Write(magicBytes); err != nil {
		return "", fmt.Errorf("write magic: %w", err)
	}
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(hdrJSON)))
	if _, err := w.Write(hdrLen[:]); err != nil {
		return "", fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(hdrJSON); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}

	hash := sha256.New()
	bw := bufio.NewWriter(io.MultiWriter(w, hash))
	enc := json.NewEncoder(bw)
	for _, rec := range body {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("write record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("flush body: %w", err)
	}
	if _, err := w.Write(hash.Sum(nil)); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}
	return exportID, nil
}

// Import replays an archive into the backend, one Apply batch per group.
// Imported records are upserts; existing rows are replaced. The archive is
// verified (magic, version, checksum) before anything is written.
func Import(ctx context.Context, b store.Backend, r io.Reader) error {
	br := bufio.NewReader(r)

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(br, magic); err != nil {
		return errmodel.Integrity("invalid_magic", "archive too short", nil, err)
	}
	if !bytes.Equal(magic, magicBytes) {
		return errmodel.Integrity("invalid_magic", "not an mls-store archive", nil, nil)
	}
	var hdrLenBuf [4]byte
	if _, err := io.ReadFull(br, hdrLenBuf[:]); err != nil {
		return errmodel.Integrity("truncated_archive", "archive header truncated", nil, err)
	}
	hdrJSON := make([]byte, binary.BigEndian.Uint32(hdrLenBuf[:]))
	if _, err := io.ReadFull(br, hdrJSON); err != nil {
		return errmodel.Integrity("truncated_archive", "archive header truncated", nil, err)
	}
	var hdr header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return errmodel.Integrity("invalid_header", "archive header is not valid JSON", nil, err)
	}
	if hdr.Version > archiveVersion {
		return errmodel.Integrity("unsupported_version", "archive version is newer than this binary",
			map[string]any{"version": hdr.Version}, nil)
	}

	// The header says how many body lines follow; everything after them is
	// the checksum trailer.
	hash := sha256.New()
	records := make([]record, 0, hdr.Groups+hdr.Epochs)
	for i := int64(0); i < hdr.Groups+hdr.Epochs; i++ {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return errmodel.Integrity("truncated_archive", "archive body truncated", nil, err)
		}
		_, _ = hash.Write(line)
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return errmodel.Integrity("invalid_record", "archive record is not valid JSON", nil, err)
		}
		records = append(records, rec)
	}
	expected := make([]byte, sha256.Size)
	if _, err := io.ReadFull(br, expected); err != nil {
		return errmodel.Integrity("truncated_archive", "archive checksum truncated", nil, err)
	}
	if !bytes.Equal(hash.Sum(nil), expected) {
		return errmodel.Integrity("checksum_mismatch", "archive body does not match its checksum", nil, nil)
	}

	// Group the verified records into one batch per group, preserving the
	// state-then-epochs order the exporter wrote.
	var (
		order    []string
		batches  = make(map[string]*store.WriteBatch)
		hasState = make(map[string]bool)
	)
	for _, rec := range records {
		key := string(rec.GroupID)
		batch, ok := batches[key]
		if !ok {
			batch = &store.WriteBatch{GroupID: rec.GroupID}
			batches[key] = batch
			order = append(order, key)
		}
		switch rec.Kind {
		case kindState:
			hasState[key] = true
			batch.State = rec.Data
			batch.StateCreatedAt = rec.CreatedAt
			batch.StateUpdatedAt = rec.UpdatedAt
		case kindEpoch:
			if rec.EpochID == nil {
				return errmodel.Integrity("invalid_record", "epoch record without epoch id", nil, nil)
			}
			batch.Epochs = append(batch.Epochs, store.EpochRecord{
				GroupID:   rec.GroupID,
				EpochID:   *rec.EpochID,
				Data:      rec.Data,
				CreatedAt: rec.CreatedAt,
			})
		default:
			return errmodel.Integrity("invalid_record", "unknown record kind",
				map[string]any{"kind": rec.Kind}, nil)
		}
	}
	// Every group needs a state record; epoch-only groups would import as
	// groups with empty state. Checked before any Apply.
	for _, key := range order {
		if !hasState[key] {
			return errmodel.Integrity("invalid_record", "group has epoch records but no state record",
				map[string]any{"group_id": fmt.Sprintf("%x", batches[key].GroupID)}, nil)
		}
	}
	for _, key := range order {
		if err := b.Apply(ctx, *batches[key]); err != nil {
			return fmt.Errorf("apply group batch: %w", err)
		}
	}
	return nil
}
