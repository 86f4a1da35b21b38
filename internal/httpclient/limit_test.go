package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tutorerrors "tutor/internal/errors"
)

func TestReadAllWithLimit(t *testing.T) {
	payload := []byte("hello")

	got, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = ReadAllWithLimit(bytes.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = ReadAllWithLimit(bytes.NewReader(payload), 2)
	require.Error(t, err)
	assert.True(t, IsResponseTooLarge(err))
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	require.NoError(t, DecodeJSON(strings.NewReader(`{"embeddings":[[1,0]]}`), 1024, &v))
	assert.Equal(t, [][]float32{{1, 0}}, v.Embeddings)

	err := DecodeJSON(strings.NewReader(`{"embeddings":[[1,0]]}`), 8, &v)
	assert.True(t, IsResponseTooLarge(err))
}

func TestStatusErrorClassifiesAndTruncates(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 10000))),
	}
	err := StatusError(resp)
	assert.True(t, tutorerrors.IsTransient(err))
	assert.Less(t, len(err.Error()), errorBodyLimit+64)

	resp = &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader("model not found"))}
	err = StatusError(resp)
	assert.True(t, tutorerrors.IsPermanent(err))
	assert.Contains(t, err.Error(), "model not found")
}
