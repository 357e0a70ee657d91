package util

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashToken(t *testing.T) {
	h, err := HashToken("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, CheckToken(h, "s3cret"))
	assert.False(t, CheckToken(h, "other"))
	assert.False(t, CheckToken("not-a-hash", "s3cret"))
}

func TestGenRandomString(t *testing.T) {
	a := GenRandomString(nil, 24)
	b := GenRandomString(nil, 24)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestJsonWrite(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, JsonWrite(w, 202, map[string]string{"status": "sent"}))
	assert.Equal(t, 202, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"sent"}`, w.Body.String())
}

func TestGenUUID(t *testing.T) {
	assert.Len(t, GenUUID(), 36)
	assert.NotEqual(t, GenUUID(), GenUUID())
}
