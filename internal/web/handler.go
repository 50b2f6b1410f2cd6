package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LuKks/hyper-blockchain/internal/metrics"
)

// StatusData holds the node status served by /api/status.
type StatusData struct {
	Length             uint64      `json:"length"`
	Complexity         uint32      `json:"complexity"`
	WindowSize         uint64      `json:"window_size"`
	TargetIntervalSecs float64     `json:"target_interval_secs"`
	NextRetargetAt     uint64      `json:"next_retarget_at"`
	Tip                *BlockInfo  `json:"tip,omitempty"`
	RecentBlocks       []BlockInfo `json:"recent_blocks"`
	PeerID             string      `json:"peer_id"`
	Peers              int         `json:"peers"`
	Uptime             int64       `json:"uptime_secs"`
}

// BlockInfo describes a single block.
type BlockInfo struct {
	Index      uint64 `json:"index"`
	Nonce      string `json:"nonce"`
	Complexity uint32 `json:"complexity"`
	Timestamp  int64  `json:"timestamp_ms"`
	Submitter  string `json:"submitter"`
}

// BlockLookupFunc looks up a block by index.
type BlockLookupFunc func(index uint64) *BlockInfo

// statusCache holds a cached JSON response so ledger reads are not repeated
// on every request.
type statusCache struct {
	mu      sync.Mutex
	data    []byte
	expires time.Time
}

const statusCacheTTL = 2 * time.Second

func (c *statusCache) get(dataFunc func() *StatusData) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.expires) {
		return c.data
	}
	buf, _ := json.Marshal(dataFunc())
	c.data = buf
	c.expires = time.Now().Add(statusCacheTTL)
	return c.data
}

// NewHandler creates an HTTP handler serving the JSON API and metrics.
func NewHandler(dataFunc func() *StatusData, blockLookup BlockLookupFunc) http.Handler {
	mux := http.NewServeMux()
	cache := &statusCache{}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Write(cache.get(dataFunc))
	})

	mux.HandleFunc("/api/block/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		index, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/api/block/"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid block index"})
			return
		}

		info := blockLookup(index)
		if info == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "block not found"})
			return
		}

		json.NewEncoder(w).Encode(info)
	})

	mux.Handle("/metrics", metrics.Handler())

	return mux
}
