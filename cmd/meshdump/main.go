// Command meshdump inspects mesh snapshots and extraction event logs, and runs
// one-off extractions without starting the server.
package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"mandelmesh.io/internal/mesh/diag"
	"mandelmesh.io/internal/mesh/export"
	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/frame"
	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/mesh/surfacenet"
	persistlog "mandelmesh.io/internal/persistence/log"
	"mandelmesh.io/internal/persistence/snapshot"
	"mandelmesh.io/internal/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .mesh.zst to summarize")
		eventsDir  = flag.String("events", "", "events dir containing extract-*.jsonl.zst (optional)")
		coordStr   = flag.String("coord", "", "extract a single node offline, e.g. 0/0/0@0")
		res        = flag.Int("res", 0, "resolution for -coord (default: tuning resolution)")
		tuningPath = flag.String("tuning", "./configs/mandelmesh.yaml", "tuning file for -coord")
		objPath    = flag.String("obj", "", "write the chunks as Wavefront OBJ to this path")
	)
	flag.Parse()

	if *snapPath == "" && *eventsDir == "" && *coordStr == "" {
		fmt.Fprintln(os.Stderr, "need one of -snapshot, -events or -coord")
		os.Exit(2)
	}

	var chunks []*stream.Chunk
	if *snapPath != "" {
		cs, err := dumpSnapshot(os.Stdout, *snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "snapshot:", err)
			os.Exit(1)
		}
		chunks = append(chunks, cs...)
	}
	if *coordStr != "" {
		ch, err := extractOne(os.Stdout, *coordStr, *res, *tuningPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "extract:", err)
			os.Exit(1)
		}
		chunks = append(chunks, ch)
	}
	if *eventsDir != "" {
		files, err := listEventFiles(*eventsDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list events:", err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
			os.Exit(1)
		}
		sum := newEventSummary()
		for _, path := range files {
			if err := sum.addFile(path); err != nil {
				fmt.Fprintln(os.Stderr, "events:", err)
				os.Exit(1)
			}
		}
		sum.print(os.Stdout)
	}

	if *objPath != "" {
		if err := writeOBJ(*objPath, chunks); err != nil {
			fmt.Fprintln(os.Stderr, "obj:", err)
			os.Exit(1)
		}
	}
}

func dumpSnapshot(w io.Writer, path string) ([]*stream.Chunk, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	chunks, err := frame.DecodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	var size uint64
	if fi, err := os.Stat(path); err == nil {
		size = uint64(fi.Size())
	}
	var tris, verts, empty int
	for _, ch := range chunks {
		tris += ch.Triangles()
		verts += len(ch.Positions)
		if ch.Empty() {
			empty++
		}
	}
	fmt.Fprintf(w, "snapshot v%d tick=%d res=%d root=%s chunks=%d empty=%d triangles=%s vertices=%s size=%s\n",
		snap.Header.Version, snap.Header.Tick, snap.Resolution, frame.DecodeCoord(snap.Root),
		len(chunks), empty, humanize.Comma(int64(tris)), humanize.Comma(int64(verts)), humanize.Bytes(size))
	f := snap.Field
	fmt.Fprintf(w, "field folding_limit=%g fixed_r2=%g min_r2=%g scale=%g bailout=%g iters=%d\n",
		f.FoldingLimit, f.FixedRadius2, f.MinRadius2, f.Scale, f.Bailout, f.MaxIters)
	for _, ch := range chunks {
		d := ch.Digest()
		fmt.Fprintf(w, "  %-16s tris=%-8d verts=%-8d digest=%s\n", ch.Coord, ch.Triangles(), len(ch.Positions), hex.EncodeToString(d[:8]))
	}
	return chunks, nil
}

func extractOne(w io.Writer, coord string, res int, tuningPath string) (*stream.Chunk, error) {
	c, err := octree.ParseCoord(coord)
	if err != nil {
		return nil, err
	}
	tune, err := tuning.Load(tuningPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		tune = tuning.Defaults()
	}
	if res <= 0 {
		res = tune.Resolution
	}
	counter := &diag.Counter{}
	box := field.NewMandelbox(tune.Mandelbox, counter)
	m, err := surfacenet.Extract(surfacenet.NewWorkspace(), box.Estimate, box.Normal, c, res)
	if err != nil {
		return nil, err
	}
	ch := stream.NewChunk(c, m)
	fmt.Fprintf(w, "extract %s res=%d tris=%d verts=%d sample=%s quad=%s normal=%s nan=%d degenerate=%d\n",
		c, res, ch.Triangles(), len(ch.Positions), m.Stats.Sample, m.Stats.Quad, m.Stats.Normal,
		counter.Count(diag.NaNDistance), counter.Count(diag.DegenerateNormal))
	return ch, nil
}

func writeOBJ(path string, chunks []*stream.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	st, err := export.WriteOBJ(f, chunks)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s: objects=%d vertices=%d triangles=%d\n", path, st.Objects, st.Vertices, st.Triangles)
	return nil
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "extract-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

type eventSummary struct {
	byKind    map[diag.Kind]int
	triangles int
	sampleMS  float64
	quadMS    float64
	normalMS  float64
	firstTick uint64
	lastTick  uint64
	faults    []string
}

func newEventSummary() *eventSummary {
	return &eventSummary{byKind: map[diag.Kind]int{}}
}

func (s *eventSummary) addFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e persistlog.EventEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		s.add(e)
	}
	return sc.Err()
}

func (s *eventSummary) add(e persistlog.EventEntry) {
	s.byKind[e.Kind]++
	if e.Tick != 0 {
		if s.firstTick == 0 || e.Tick < s.firstTick {
			s.firstTick = e.Tick
		}
		if e.Tick > s.lastTick {
			s.lastTick = e.Tick
		}
	}
	switch e.Kind {
	case diag.Extracted:
		s.triangles += e.Indices / 3
		s.sampleMS += e.SampleMS
		s.quadMS += e.QuadMS
		s.normalMS += e.NormalMS
	case diag.WorkerFault:
		s.faults = append(s.faults, e.String())
	}
}

func (s *eventSummary) print(w io.Writer) {
	kinds := make([]string, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "events ticks=%d..%d\n", s.firstTick, s.lastTick)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-18s %d\n", k, s.byKind[diag.Kind(k)])
	}
	if n := s.byKind[diag.Extracted]; n > 0 {
		fmt.Fprintf(w, "extracted=%d triangles=%s avg_ms sample=%.2f quad=%.2f normal=%.2f\n",
			n, humanize.Comma(int64(s.triangles)), s.sampleMS/float64(n), s.quadMS/float64(n), s.normalMS/float64(n))
	}
	for _, f := range s.faults {
		fmt.Fprintln(w, "fault:", f)
	}
}
