package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Message types.
const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeChunkMesh  = "CHUNK_MESH"
	TypeChunkError = "CHUNK_ERROR"
	TypeTick       = "TICK"
)

// Client -> Server. First message on the observer WS connection; re-sending it
// moves the focus.
type SubscribeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Focus           [2]float64 `json:"focus"`
	ChunkRadius     int        `json:"chunk_radius"`
	MaxChunks       int        `json:"max_chunks"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	RunID           string      `json:"run_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	HeightsEncoding string      `json:"heights_encoding"`
}

type WorldParams struct {
	TickRateHz  int     `json:"tick_rate_hz"`
	Seed        int64   `json:"seed"`
	ChunkWidth  float64 `json:"chunk_width"`
	ChunkHeight float64 `json:"chunk_height"`
	Segments    int     `json:"segments"`
	Scale       float64 `json:"scale"`
	Amplitude   float64 `json:"amplitude"`
	ViewRadius  int     `json:"view_radius"`
}

// Server -> Client. One per ready chunk. Heights are row-major, row i along
// +Z and column j along +X, relative to Center.
type ChunkMeshMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	CX              int        `json:"cx"`
	CZ              int        `json:"cz"`
	Center          [3]float64 `json:"center"`
	Width           float64    `json:"width"`
	Height          float64    `json:"height"`
	Segments        int        `json:"segments"`
	MinY            float64    `json:"min_y"`
	MaxY            float64    `json:"max_y"`
	Encoding        string     `json:"encoding"`
	Heights         string     `json:"heights"`
}

type ChunkErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	CX              int    `json:"cx"`
	CZ              int    `json:"cz"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	LoadedChunks    int    `json:"loaded_chunks"`
	PendingChunks   int    `json:"pending_chunks"`
}
