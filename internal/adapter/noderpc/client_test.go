package noderpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tipledger/config"
	"tipledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const genesis = "nano_3t6k35gi95xu6tergt6p69ck76ogmitsa8mnijtpxm9fkcm736xtoncuohr3"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.NodeConfig{
		URL:            srv.URL,
		Wallet:         "WALLET",
		Timeout:        time.Second,
		BalanceTimeout: time.Second,
	}, zerolog.Nop())
}

func decodeAction(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestCreateAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeAction(t, r)
		assert.Equal(t, "account_create", body["action"])
		assert.Equal(t, "WALLET", body["wallet"])
		_, _ = w.Write([]byte(`{"account":"` + genesis + `"}`))
	})

	addr, err := c.CreateAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, genesis, addr)
}

func TestCreateAccount_InvalidAddress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account":"nano_bogus"}`))
	})

	_, err := c.CreateAccount(context.Background())
	assert.True(t, apperror.HasCode(err, apperror.CodeNodeUnavailable))
}

func TestGetBalance(t *testing.T) {
	tests := []struct {
		name           string
		reply          string
		wantConfirmed  string
		wantReceivable string
		wantErr        bool
	}{
		{
			name:           "receivable field",
			reply:          `{"balance":"340282366920938463463374607431768211455","receivable":"5"}`,
			wantConfirmed:  "340282366920938463463374607431768211455",
			wantReceivable: "5",
		},
		{
			name:           "legacy pending field",
			reply:          `{"balance":"10","pending":"3"}`,
			wantConfirmed:  "10",
			wantReceivable: "3",
		},
		{
			name:           "empty account",
			reply:          `{"balance":"0","receivable":"0"}`,
			wantConfirmed:  "0",
			wantReceivable: "0",
		},
		{
			name:    "fractional balance",
			reply:   `{"balance":"1.5","receivable":"0"}`,
			wantErr: true,
		},
		{
			name:    "node error",
			reply:   `{"error":"Bad account number"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				body := decodeAction(t, r)
				assert.Equal(t, "account_balance", body["action"])
				assert.Equal(t, genesis, body["account"])
				_, _ = w.Write([]byte(tt.reply))
			})

			bal, err := c.GetBalance(context.Background(), genesis)
			if tt.wantErr {
				assert.True(t, apperror.HasCode(err, apperror.CodeNodeUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantConfirmed, bal.Confirmed.String())
			assert.Equal(t, tt.wantReceivable, bal.Receivable.String())
		})
	}
}

func TestSend_PassesIdempotencyKey(t *testing.T) {
	key := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeAction(t, r)
		assert.Equal(t, "send", body["action"])
		assert.Equal(t, "WALLET", body["wallet"])
		assert.Equal(t, "nano_src", body["source"])
		assert.Equal(t, "nano_dst", body["destination"])
		assert.Equal(t, "1000000000000000000000000000000", body["amount"])
		assert.Equal(t, key.String(), body["id"])
		_, _ = w.Write([]byte(`{"block":"ABCDEF"}`))
	})

	amount, _ := decimal.NewFromString("1000000000000000000000000000000")
	hash, err := c.Send(context.Background(), key, "nano_src", "nano_dst", amount)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", hash)
}

func TestSend_EmptyBlockIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"block":""}`))
	})

	hash, err := c.Send(context.Background(), uuid.New(), "nano_src", "nano_dst", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantCode: apperror.CodeNodeUnavailable,
		},
		{
			name: "node error payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"error":"Insufficient balance"}`))
			},
			wantCode: apperror.CodeNodeUnavailable,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			wantCode: apperror.CodeNodeUnavailable,
		},
		{
			name: "slow node",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantCode: apperror.CodeBroadcastTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewClient(config.NodeConfig{
				URL:     srv.URL,
				Timeout: 100 * time.Millisecond,
			}, zerolog.Nop())

			_, err := c.Send(context.Background(), uuid.New(), "nano_src", "nano_dst", decimal.NewFromInt(1))
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestUnreachableNode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(config.NodeConfig{URL: url, BalanceTimeout: time.Second}, zerolog.Nop())
	_, err := c.GetBalance(context.Background(), genesis)
	assert.True(t, apperror.HasCode(err, apperror.CodeNodeUnavailable))
	assert.Error(t, c.Ping(context.Background()))
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeAction(t, r)
		assert.Equal(t, "version", body["action"])
		_, _ = w.Write([]byte(`{"rpc_version":"1","node_vendor":"Nano V27.1"}`))
	})

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "node", c.Name())
}

func TestRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"balance":"0","receivable":"0"}`))
	}))
	defer srv.Close()

	c := NewClient(config.NodeConfig{
		URL:            srv.URL,
		BalanceTimeout: 50 * time.Millisecond,
		RatePerSec:     0.001,
		Burst:          1,
	}, zerolog.Nop())

	_, err := c.GetBalance(context.Background(), genesis)
	require.NoError(t, err)

	// The bucket is empty and refills far slower than the call timeout.
	_, err = c.GetBalance(context.Background(), genesis)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
