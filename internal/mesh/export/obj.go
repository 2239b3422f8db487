// Package export writes installed chunks as Wavefront OBJ.
package export

import (
	"bufio"
	"fmt"
	"io"

	"mandelmesh.io/internal/mesh/stream"
)

type Stats struct {
	Objects   int
	Vertices  int
	Triangles int
}

// WriteOBJ writes one named object per non-empty chunk. Vertex indices are
// rebased so the file is a single valid mesh.
func WriteOBJ(w io.Writer, chunks []*stream.Chunk) (Stats, error) {
	var st Stats
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# mandelmesh")
	base := 1
	for _, ch := range chunks {
		if ch == nil || ch.Empty() {
			continue
		}
		fmt.Fprintf(bw, "o chunk_%d_%d_%d_d%d\n", ch.Coord.X, ch.Coord.Y, ch.Coord.Z, ch.Coord.Depth)
		for _, p := range ch.Positions {
			fmt.Fprintf(bw, "v %g %g %g\n", p.X, p.Y, p.Z)
		}
		for _, n := range ch.Normals {
			fmt.Fprintf(bw, "vn %g %g %g\n", n.X, n.Y, n.Z)
		}
		for i := 0; i+2 < len(ch.Indices); i += 3 {
			a := base + int(ch.Indices[i])
			b := base + int(ch.Indices[i+1])
			c := base + int(ch.Indices[i+2])
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
		}
		base += len(ch.Positions)
		st.Objects++
		st.Vertices += len(ch.Positions)
		st.Triangles += ch.Triangles()
	}
	if err := bw.Flush(); err != nil {
		return st, fmt.Errorf("write obj: %w", err)
	}
	return st, nil
}
