package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// DuplicateBody reads the whole response body and replaces it with an
// in-memory copy, so that the body can be consumed again by the caller.
// It returns the body bytes.
func DuplicateBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is consumed, but set back to an identical, unread body.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := DuplicateBody(res)
	if err != nil {
		return nil, err
	}
	// write a copy so that the caller's response keeps its own body reader
	clone := *res
	clone.Proto, clone.ProtoMajor, clone.ProtoMinor = "HTTP/1.1", 1, 1
	clone.Header = res.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Header.Del("Connection")
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	clone.Close = false
	clone.Request = nil

	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a byte slice to a http.Response.
// The request, if given, is set as the request of the response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}
