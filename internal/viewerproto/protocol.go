package viewerproto

import "github.com/golang/geo/r3"

// Version is the viewer protocol version.
const Version = "1.0"

const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeHello       = "HELLO"
	TypeChunk       = "CHUNK"
	TypeChunkRemove = "CHUNK_REMOVE"
	TypeError       = "ERROR"
)

const (
	ErrBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBusy       = "E_BUSY"
)

// Client -> Server. First message on the viewer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// MaxDepth limits CHUNK messages to nodes no deeper than this; 0 means no limit.
	// Empty chunks are never sent.
	MaxDepth int32 `json:"max_depth,omitempty"`
}

// Server -> Client. Sent once after SUBSCRIBE, before the current chunk set.
type HelloMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	Chunks          int         `json:"chunks"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	LiveChunks      int         `json:"live_chunks"`
	Pending         int         `json:"pending"`
}

type WorldParams struct {
	TickRateHz    int             `json:"tick_rate_hz"`
	Resolution    int             `json:"resolution"`
	WorldDiameter float64         `json:"world_diameter"`
	Root          string          `json:"root"`
	Mandelbox     MandelboxParams `json:"mandelbox"`
}

type MandelboxParams struct {
	FoldingLimit float64 `json:"folding_limit"`
	FixedRadius2 float64 `json:"fixed_radius2"`
	MinRadius2   float64 `json:"min_radius2"`
	Scale        float64 `json:"scale"`
	Bailout      float64 `json:"bailout"`
	MaxIters     int     `json:"max_iters"`
}

// Server -> Client. One installed chunk. Positions and normals are flattened xyz
// triples in world space; Indices reference vertex triples.
type ChunkMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	Coord           string    `json:"coord"`
	Depth           int32     `json:"depth"`
	Positions       []float32 `json:"positions"`
	Normals         []float32 `json:"normals"`
	Indices         []uint32  `json:"indices"`
	Digest          string    `json:"digest"`
}

// Server -> Client. The chunk at Coord was evicted.
type ChunkRemoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Coord           string `json:"coord"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// Flatten packs vectors into xyz float32 triples.
func Flatten(vs []r3.Vector) []float32 {
	out := make([]float32, 0, len(vs)*3)
	for _, v := range vs {
		out = append(out, float32(v.X), float32(v.Y), float32(v.Z))
	}
	return out
}
