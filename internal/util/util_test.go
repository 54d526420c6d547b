package util

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenUUID(t *testing.T) {
	a, b := GenUUID(), GenUUID()
	assert.NotEqual(t, a, b)
	u, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
}

func TestJsonWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, JsonWrite(rec, map[string]int{"devices": 2}))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"devices":2}`, rec.Body.String())
}
