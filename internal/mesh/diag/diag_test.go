package diag

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestLoggerSink_FormatsExtracted(t *testing.T) {
	var buf bytes.Buffer
	s := Logger(log.New(&buf, "", 0))
	s.Emit(Event{Kind: Extracted, Coord: "0/1/0@1", Indices: 12, Vertices: 4, SampleMS: 1.5})
	line := buf.String()
	if !strings.Contains(line, "EXTRACTED 0/1/0@1") || !strings.Contains(line, "inds:12") {
		t.Fatalf("unexpected log line: %q", line)
	}
}

func TestEvent_PointOnlyWhenSet(t *testing.T) {
	b, err := json.Marshal(Event{Kind: BatchApplied, Coord: "0/0/0@0"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "point") {
		t.Fatalf("unset point encoded: %s", b)
	}
	e := Event{Kind: NaNDistance, Point: &[3]float64{1, 2.5, 3}}
	b, _ = json.Marshal(e)
	if !strings.Contains(string(b), `"point":[1,2.5,3]`) {
		t.Fatalf("point missing: %s", b)
	}
	if got := e.String(); got != "NAN_DISTANCE at (1, 2.5, 3)" {
		t.Fatalf("String: %q", got)
	}
	if got := (Event{Kind: DegenerateNormal}).String(); got != "DEGENERATE_NORMAL" {
		t.Fatalf("String without point: %q", got)
	}
}

func TestMultiAndDrop(t *testing.T) {
	var a, b Counter
	s := Multi(&a, nil, Drop(&b, NaNDistance))
	s.Emit(Event{Kind: NaNDistance})
	s.Emit(Event{Kind: EmptyChunk})
	if a.Count(NaNDistance) != 1 || a.Count(EmptyChunk) != 1 {
		t.Fatalf("a counts: nan=%d empty=%d", a.Count(NaNDistance), a.Count(EmptyChunk))
	}
	if b.Count(NaNDistance) != 0 || b.Count(EmptyChunk) != 1 {
		t.Fatalf("b counts: nan=%d empty=%d", b.Count(NaNDistance), b.Count(EmptyChunk))
	}
}

func TestOrNop(t *testing.T) {
	OrNop(nil).Emit(Event{Kind: WorkerFault})
	if Logger(nil) != Nop {
		t.Fatalf("nil logger should map to Nop")
	}
}
