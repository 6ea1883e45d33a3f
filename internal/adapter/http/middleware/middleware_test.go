package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"tipledger/config"
	"tipledger/internal/core/ports"
	"tipledger/internal/core/ports/mocks"
	"tipledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		ClientID:      "tipbot",
		ClientSecret:  "s3cret",
		TimestampSkew: time.Minute,
		NonceTTL:      2 * time.Minute,
	}
}

func clientAuthRouter(nonceStore ports.NonceStore) *gin.Engine {
	router := gin.New()
	router.POST("/api/v1/tips", ClientAuth(testAuthConfig(), service.NewHMACSignatureService(), nonceStore, zerolog.Nop()), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.JSON(http.StatusOK, gin.H{"client": c.GetString(CtxClientID), "body": string(body)})
	})
	return router
}

// signedRequest builds a request signed the way the bot front-end signs it.
func signedRequest(secret string, ts int64, nonce, body string) *http.Request {
	signer := service.NewHMACSignatureService()
	canonical := signer.BuildCanonicalString(http.MethodPost, "/api/v1/tips", ts, nonce, body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tips", strings.NewReader(body))
	req.Header.Set(HeaderClientID, "tipbot")
	req.Header.Set(HeaderSignature, signer.Sign(secret, canonical))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	return req
}

func TestClientAuth_MissingHeaders(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := clientAuthRouter(mocks.NewMockNonceStore(ctrl))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tips", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientAuth_UnknownClient(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := clientAuthRouter(mocks.NewMockNonceStore(ctrl))

	req := signedRequest("s3cret", time.Now().Unix(), "n1", `{}`)
	req.Header.Set(HeaderClientID, "someone-else")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "SEC_001")
}

func TestClientAuth_ExpiredTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := clientAuthRouter(mocks.NewMockNonceStore(ctrl))

	for _, ts := range []int64{
		time.Now().Add(-2 * time.Minute).Unix(),
		time.Now().Add(2 * time.Minute).Unix(),
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, signedRequest("s3cret", ts, "n1", `{}`))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "SEC_003")
	}
}

func TestClientAuth_BadSignature(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No nonce expectation: an unsigned request must not burn a nonce.
	router := clientAuthRouter(mocks.NewMockNonceStore(ctrl))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest("wrong", time.Now().Unix(), "n1", `{"amount":"1"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "SEC_002")
}

func TestClientAuth_TamperedBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := clientAuthRouter(mocks.NewMockNonceStore(ctrl))

	req := signedRequest("s3cret", time.Now().Unix(), "n1", `{"amount":"1"}`)
	req.Body = io.NopCloser(strings.NewReader(`{"amount":"1000"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientAuth_NonceReplay(t *testing.T) {
	ctrl := gomock.NewController(t)
	nonceStore := mocks.NewMockNonceStore(ctrl)
	gomock.InOrder(
		nonceStore.EXPECT().CheckAndSet(gomock.Any(), "tipbot", "n1", 2*time.Minute).Return(true, nil),
		nonceStore.EXPECT().CheckAndSet(gomock.Any(), "tipbot", "n1", 2*time.Minute).Return(false, nil),
	)
	router := clientAuthRouter(nonceStore)
	ts := time.Now().Unix()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest("s3cret", ts, "n1", `{}`))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest("s3cret", ts, "n1", `{}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "SEC_004")
}

func TestClientAuth_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	nonceStore := mocks.NewMockNonceStore(ctrl)
	nonceStore.EXPECT().CheckAndSet(gomock.Any(), "tipbot", "nonce-ok", 2*time.Minute).Return(true, nil)
	router := clientAuthRouter(nonceStore)

	body := `{"sender_id":"alice","recipient_id":"bob","amount":"10"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest("s3cret", time.Now().Unix(), "nonce-ok", body))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tipbot", resp["client"])
	// The handler still sees the full body after verification.
	assert.Equal(t, body, resp["body"])
}

func TestClientAuth_NonceStoreDownAllowsRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	nonceStore := mocks.NewMockNonceStore(ctrl)
	nonceStore.EXPECT().CheckAndSet(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(false, assert.AnError)
	router := clientAuthRouter(nonceStore)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedRequest("s3cret", time.Now().Unix(), "n1", `{}`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokenSvc := mocks.NewMockTokenService(ctrl)

	router := gin.New()
	router.GET("/test", JWTAuth(tokenSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	for _, header := range []string{"", "Bearer ", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokenSvc := mocks.NewMockTokenService(ctrl)
	tokenSvc.EXPECT().Validate("bad_token").Return(nil, assert.AnError)

	router := gin.New()
	router.GET("/test", JWTAuth(tokenSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer bad_token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuth_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokenSvc := mocks.NewMockTokenService(ctrl)
	tokenSvc.EXPECT().Validate("good_token").Return(&ports.TokenClaims{OperatorID: "op-1"}, nil)

	var captured string
	router := gin.New()
	router.GET("/test", JWTAuth(tokenSvc, zerolog.Nop()), func(c *gin.Context) {
		captured = c.GetString(CtxOperatorID)
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer good_token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "op-1", captured)
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(CtxRequestID))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Body.String())
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(HeaderRequestID))
}

func TestRecovery_PanicRecovered(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(zerolog.Nop()))
	router.GET("/panic", func(c *gin.Context) {
		panic("something went wrong")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SYS_001", resp["error_code"])
}

func TestMaxBodySize(t *testing.T) {
	router := gin.New()
	router.Use(MaxBodySize(16))
	router.POST("/test", func(c *gin.Context) {
		b, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too large")
			return
		}
		c.String(http.StatusOK, string(b))
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"within limit", "hello world", http.StatusOK},
		{"exact limit", strings.Repeat("A", 16), http.StatusOK},
		{"over limit", strings.Repeat("A", 100), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("undeclared length", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", io.NopCloser(strings.NewReader(strings.Repeat("A", 100))))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}
