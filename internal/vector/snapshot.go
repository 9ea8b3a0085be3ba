package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// snapshotHeader precedes the flat float32 data, serialized as
// length-prefixed JSON. IDs keep the id<->slot mapping; empty entries are
// superseded slots.
type snapshotHeader struct {
	D          int      `json:"d"`
	N          int      `json:"n"`
	IDs        []string `json:"ids"`
	Tombstones []string `json:"tombstones"`
}

// Save writes the index to path: a uint32 little-endian length, the JSON
// header, then N*D float32 values little-endian. The write goes through a
// temp file and rename so a crash never leaves a torn index.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	header := snapshotHeader{
		D:   ix.dim,
		N:   len(ix.ids),
		IDs: append([]string(nil), ix.ids...),
	}
	for id := range ix.tombstones {
		header.Tombstones = append(header.Tombstones, id)
	}
	vecs := make([][]float32, len(ix.vecs))
	copy(vecs, ix.vecs)
	ix.mu.RUnlock()

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("vector: marshal header: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("vector: create snapshot: %w", err)
	}
	defer os.Remove(tmp)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdr)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		f.Close()
		return fmt.Errorf("vector: write snapshot: %w", err)
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("vector: write snapshot: %w", err)
	}

	buf := make([]byte, 4)
	for _, vec := range vecs {
		for _, v := range vec {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := f.Write(buf); err != nil {
				f.Close()
				return fmt.Errorf("vector: write snapshot: %w", err)
			}
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("vector: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vector: rename snapshot: %w", err)
	}

	ix.logger.Info("index snapshot written",
		zap.String("path", filepath.Base(path)), zap.Int("vectors", header.N))
	return nil
}

// Load replaces the index contents from a snapshot written by Save. The
// snapshot's dimensionality must match the index's.
func (ix *Index) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vector: open snapshot: %w", err)
	}
	defer f.Close()

	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return fmt.Errorf("vector: read header length: %w", err)
	}
	hdr := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(f, hdr); err != nil {
		return fmt.Errorf("vector: read header: %w", err)
	}
	var header snapshotHeader
	if err := json.Unmarshal(hdr, &header); err != nil {
		return fmt.Errorf("vector: decode header: %w", err)
	}
	if header.D != ix.dim {
		return fmt.Errorf("vector: snapshot dimension %d does not match index dimension %d", header.D, ix.dim)
	}
	if len(header.IDs) != header.N {
		return fmt.Errorf("vector: snapshot header inconsistent: %d ids for n=%d", len(header.IDs), header.N)
	}

	data := make([]byte, header.N*header.D*4)
	if _, err := io.ReadFull(f, data); err != nil {
		return fmt.Errorf("vector: read vectors: %w", err)
	}

	vecs := make([][]float32, header.N)
	off := 0
	for i := range vecs {
		vec := make([]float32, header.D)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vecs[i] = vec
	}

	pos := make(map[string]int, header.N)
	for slot, id := range header.IDs {
		if id != "" {
			pos[id] = slot
		}
	}
	tombstones := make(map[string]bool, len(header.Tombstones))
	for _, id := range header.Tombstones {
		tombstones[id] = true
	}

	ix.mu.Lock()
	ix.ids = header.IDs
	ix.vecs = vecs
	ix.pos = pos
	ix.tombstones = tombstones
	ix.mu.Unlock()

	ix.logger.Info("index snapshot loaded",
		zap.String("path", filepath.Base(path)), zap.Int("vectors", header.N))
	return nil
}
