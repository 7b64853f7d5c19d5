package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRandomEndpoint(t *testing.T) {
	t.Run("successful selection from multiple endpoints", func(t *testing.T) {
		endpoints := []string{
			"https://api.mainnet-beta.solana.com",
			"https://mainnet.helius-rpc.com",
			"https://rpc.ankr.com/solana",
		}

		selected, err := SelectRandomEndpoint(endpoints)
		require.NoError(t, err)
		assert.Contains(t, endpoints, selected)
	})

	t.Run("successful selection from single endpoint", func(t *testing.T) {
		endpoints := []string{"https://api.mainnet-beta.solana.com"}

		selected, err := SelectRandomEndpoint(endpoints)
		require.NoError(t, err)
		assert.Equal(t, endpoints[0], selected)
	})

	t.Run("error on empty slice", func(t *testing.T) {
		_, err := SelectRandomEndpoint([]string{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no RPC endpoints configured")
	})

	t.Run("error on nil slice", func(t *testing.T) {
		_, err := SelectRandomEndpoint(nil)
		assert.Error(t, err)
	})
}

func TestSplitEndpoints(t *testing.T) {
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		SplitEndpoints(" https://a.example ,, https://b.example"),
	)
	assert.Empty(t, SplitEndpoints(""))
}

func TestRealRPCClient_GetSignaturesForAddress(t *testing.T) {
	const sig = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "getSignaturesForAddress" {
			t.Errorf("unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": []map[string]any{
				{"signature": sig, "slot": 100, "blockTime": 1700000000, "err": nil},
			},
		})
	}))
	defer server.Close()

	client := NewRPCClient(server.URL)
	limit := 10
	got, err := client.GetSignaturesForAddress(context.Background(), testKey(1), &rpc.GetSignaturesForAddressOpts{Limit: &limit})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sig, got[0].Signature.String())
	assert.Equal(t, uint64(100), got[0].Slot)
}
