package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainHeadMissingConfig(t *testing.T) {
	head := NewChainHead(ChainHeadOptions{}, noopLogger())
	if _, err := head.HeadBlock(context.Background()); err == nil {
		t.Fatal("head probe without rpc url should fail")
	}
}

func TestChainHeadBlockNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_blockNumber", req.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x121eac0"})
	}))
	defer srv.Close()

	head := NewChainHead(ChainHeadOptions{RPCURL: srv.URL, Timeout: time.Second}, noopLogger())
	defer head.Close()

	block, err := head.HeadBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(19000000), block)
}
