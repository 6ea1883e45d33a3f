package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignatureService_SignAndVerify(t *testing.T) {
	svc := NewHMACSignatureService()
	payload := svc.BuildCanonicalString("POST", "/api/v1/tips", 1760486400, "n-1", `{"sender_id":"alice","recipient_id":"bob","amount":"10"}`)

	signature := svc.Sign("bot-secret", payload)
	assert.Regexp(t, `^[0-9a-f]{64}$`, signature)
	assert.True(t, svc.Verify("bot-secret", payload, signature))
	assert.True(t, svc.Verify("bot-secret", payload, strings.ToUpper(signature)))
}

func TestHMACSignatureService_VerifyRejects(t *testing.T) {
	svc := NewHMACSignatureService()
	signature := svc.Sign("bot-secret", "payload")

	tests := []struct {
		name      string
		key       string
		payload   string
		signature string
	}{
		{"wrong key", "other-secret", "payload", signature},
		{"tampered payload", "bot-secret", "payload!", signature},
		{"garbage", "bot-secret", "payload", "not-hex"},
		{"empty", "bot-secret", "payload", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, svc.Verify(tt.key, tt.payload, tt.signature))
		})
	}
}

func TestHMACSignatureService_BuildCanonicalString(t *testing.T) {
	svc := NewHMACSignatureService()

	got := svc.BuildCanonicalString("post", "/api/v1/withdrawals", 1760486400, "abc", "")
	// sha256 of the empty body
	assert.Equal(t, "POST\n/api/v1/withdrawals\n1760486400\nabc\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)

	a := svc.BuildCanonicalString("POST", "/api/v1/tips", 1, "n", `{"amount":"1"}`)
	b := svc.BuildCanonicalString("POST", "/api/v1/tips", 1, "n", `{"amount":"2"}`)
	assert.NotEqual(t, a, b)
}
