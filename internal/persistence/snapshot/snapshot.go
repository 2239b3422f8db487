package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	Version = 1
	Ext     = ".mesh.zst"
)

var ErrVersion = errors.New("snapshot: unsupported version")

type Header struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	Chunks  int    `json:"chunks"`
}

// MeshSnapshotV1 is the set of live chunks at one tick plus the parameters that
// produced them. A resume with different parameters must re-extract instead.
type MeshSnapshotV1 struct {
	Header Header `json:"header"`

	Resolution int       `json:"resolution"`
	Root       CoordV1   `json:"root"`
	Field      FieldV1   `json:"field"`
	Chunks     []ChunkV1 `json:"chunks"`
}

type CoordV1 struct {
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
	Z     int32 `json:"z"`
	Depth int32 `json:"depth"`
}

type FieldV1 struct {
	FoldingLimit float64 `json:"folding_limit"`
	FixedRadius2 float64 `json:"fixed_radius2"`
	MinRadius2   float64 `json:"min_radius2"`
	Scale        float64 `json:"scale"`
	Bailout      float64 `json:"bailout"`
	MaxIters     int     `json:"max_iters"`
}

// ChunkV1 stores geometry flattened to xyz triples.
type ChunkV1 struct {
	Coord     CoordV1   `json:"coord"`
	Positions []float64 `json:"positions"`
	Normals   []float64 `json:"normals"`
	Indices   []uint32  `json:"indices"`
	Digest    [32]byte  `json:"digest"`
}

// Path returns <dir>/<tick>.mesh.zst.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", tick, Ext))
}

func WriteSnapshot(path string, snap MeshSnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write to a temp file first so a crash never leaves a truncated latest snapshot.
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap MeshSnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	snap.Header.Version = Version
	snap.Header.Chunks = len(snap.Chunks)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (MeshSnapshotV1, error) {
	var snap MeshSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

type entry struct {
	tick uint64
	path string
}

// list returns the snapshots in dir ordered by tick, oldest first.
func list(dir string) ([]entry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, Ext) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, Ext), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, entry{tick: tick, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tick < out[j].tick })
	return out, nil
}

// Latest returns the snapshot in dir with the highest tick, or "" if none.
func Latest(dir string) string {
	es, err := list(dir)
	if err != nil || len(es) == 0 {
		return ""
	}
	return es[len(es)-1].path
}

// Prune removes all but the newest keep snapshots in dir and returns the removed
// paths. keep <= 0 keeps everything.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	es, err := list(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(es) <= keep {
		return nil, nil
	}
	var removed []string
	for _, e := range es[:len(es)-keep] {
		if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, e.path)
	}
	return removed, nil
}
