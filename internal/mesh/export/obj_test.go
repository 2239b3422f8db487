package export

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/mesh/surfacenet"
)

func tri(c octree.Coord) *stream.Chunk {
	return stream.NewChunk(c, surfacenet.Mesh{
		Positions: []r3.Vector{{X: 0}, {X: 1}, {Y: 1}},
		Normals:   []r3.Vector{{Z: 1}, {Z: 1}, {Z: 1}},
		Indices:   []uint32{0, 1, 2},
	})
}

func TestWriteOBJ_RebasesIndices(t *testing.T) {
	chunks := []*stream.Chunk{
		tri(octree.Root.Children()[0]),
		stream.NewChunk(octree.Root.Children()[1], surfacenet.Mesh{}),
		tri(octree.Root.Children()[2]),
	}
	var buf bytes.Buffer
	st, err := WriteOBJ(&buf, chunks)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if st.Objects != 2 || st.Vertices != 6 || st.Triangles != 2 {
		t.Fatalf("stats: %+v", st)
	}
	out := buf.String()
	var faces []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "f ") {
			faces = append(faces, line)
		}
	}
	if len(faces) != 2 || faces[0] != "f 1//1 2//2 3//3" || faces[1] != "f 4//4 5//5 6//6" {
		t.Fatalf("faces: %q", faces)
	}
	if strings.Count(out, "\nv ") != 6 || strings.Count(out, "\nvn ") != 6 {
		t.Fatalf("vertex lines:\n%s", out)
	}
	if !strings.Contains(out, "o chunk_0_1_0_d1") {
		t.Fatalf("object names:\n%s", out)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteOBJ_ReportsWriteErrors(t *testing.T) {
	if _, err := WriteOBJ(failWriter{}, []*stream.Chunk{tri(octree.Root)}); err == nil {
		t.Fatalf("expected error")
	}
}
