package dto

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- SanitizeStruct tests ---

func TestSanitizeStruct_TrimsAndEscapes(t *testing.T) {
	req := RegisterUserRequest{
		UserID:      "  discord:42  ",
		DisplayName: " <b>Alice</b> ",
	}
	SanitizeStruct(&req)

	assert.Equal(t, "discord:42", req.UserID)
	assert.Equal(t, "&lt;b&gt;Alice&lt;/b&gt;", req.DisplayName)
}

func TestSanitizeStruct_HandlesPointerString(t *testing.T) {
	key := "  " + uuid.NewString() + "  "
	req := TipRequest{SenderID: "a", RecipientID: "b", Amount: "1", IdempotencyKey: &key}
	SanitizeStruct(&req)

	assert.Len(t, *req.IdempotencyKey, 36)
}

func TestSanitizeStruct_NilAndNonPointerAreNoOps(t *testing.T) {
	req := TipRequest{SenderID: " a "}
	SanitizeStruct(&req)
	assert.Nil(t, req.IdempotencyKey)

	SanitizeStruct(req)
	SanitizeStruct("string")
}

// --- Binding validation tests ---

func TestTipRequest_Validation(t *testing.T) {
	key := uuid.NewString()
	badKey := "not-a-uuid"

	tests := []struct {
		name  string
		req   TipRequest
		valid bool
	}{
		{"raw amount", TipRequest{SenderID: "alice", RecipientID: "bob", Amount: "1000"}, true},
		{"whole units", TipRequest{SenderID: "alice", RecipientID: "bob", Units: "1.5"}, true},
		{"platform prefixed ids", TipRequest{SenderID: "discord:1", RecipientID: "discord:2", Amount: "1"}, true},
		{"with key", TipRequest{SenderID: "alice", RecipientID: "bob", Amount: "1", IdempotencyKey: &key}, true},
		{"no amount", TipRequest{SenderID: "alice", RecipientID: "bob"}, false},
		{"both amounts", TipRequest{SenderID: "alice", RecipientID: "bob", Amount: "1", Units: "1"}, false},
		{"non numeric", TipRequest{SenderID: "alice", RecipientID: "bob", Amount: "ten"}, false},
		{"bad key", TipRequest{SenderID: "alice", RecipientID: "bob", Amount: "1", IdempotencyKey: &badKey}, false},
		{"missing sender", TipRequest{RecipientID: "bob", Amount: "1"}, false},
		{"spaces in id", TipRequest{SenderID: "al ice", RecipientID: "bob", Amount: "1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := binding.Validator.ValidateStruct(&tt.req)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	raw, err := ParseAmount("1000", "")
	require.NoError(t, err)
	assert.Equal(t, "1000", raw.String())

	raw, err = ParseAmount("", "0.000001")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000000", raw.String())

	for _, bad := range [][2]string{{"0", ""}, {"-5", ""}, {"1.5", ""}, {"", "0"}, {"abc", ""}} {
		_, err := ParseAmount(bad[0], bad[1])
		assert.Error(t, err, "%v", bad)
	}
}

func TestParseIdempotencyKey(t *testing.T) {
	bodyKey := uuid.New()
	headerKey := uuid.New()
	body := bodyKey.String()

	key, err := ParseIdempotencyKey(&body, headerKey.String())
	require.NoError(t, err)
	assert.Equal(t, bodyKey, *key)

	key, err = ParseIdempotencyKey(nil, headerKey.String())
	require.NoError(t, err)
	assert.Equal(t, headerKey, *key)

	key, err = ParseIdempotencyKey(nil, "")
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = ParseIdempotencyKey(nil, "nope")
	assert.Error(t, err)
}
