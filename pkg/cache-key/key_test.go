package cachekey

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFromKey(t *testing.T) {
	keygen := NewCacheKeyer()
	r, _ := http.NewRequest("GET", "http://dev.localhost/page?x=1", nil)
	key := keygen.GetKey(r)
	req, err := keygen.GetRequestFromKey(key)
	require.NoError(t, err, key)
	assert.Equal(t, "/page?x=1", req.URL.String())
}

func TestAbsoluteAndRelativeShareKey(t *testing.T) {
	keygen := NewCacheKeyer()
	abs, _ := http.NewRequest("GET", "https://example.com/app.js", nil)
	rel, _ := http.NewRequest("GET", "/app.js", nil)
	head, _ := http.NewRequest("HEAD", "/app.js", nil)
	assert.Equal(t, "GET:/app.js", keygen.GetKey(abs))
	assert.Equal(t, keygen.GetKey(abs), keygen.GetKey(rel))
	assert.Equal(t, keygen.GetKey(rel), keygen.GetKey(head))
}

func TestRequestFromKeyErrors(t *testing.T) {
	keygen := NewCacheKeyer()
	_, err := keygen.GetRequestFromKey("POST:/form")
	assert.ErrorIs(t, err, ErrorMethodNotSupported)
	_, err = keygen.GetRequestFromKey("garbage")
	assert.Error(t, err)
}
