package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Shellcache-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response,
// with the store time in an extra header.
// The body of the response is restored, so the response can still be sent to a client.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixMilli(), 10))
	bts, err := responseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// BytesToStoredResponse parses a stored response.
// The request is set as the request of the returned response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		millis, err := strconv.ParseInt(storedAt, 10, 64)
		if err != nil {
			return sRes, err
		}
		sRes.StoredAt = time.UnixMilli(millis)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
// and sets the body of the response back to an unread copy.
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			res.Body = io.NopCloser(bytes.NewReader(nil))
			return nil, err
		}
	}
	// write a copy with a known length, so no chunked encoding is stored
	clone := *res
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	clone.ProtoMajor, clone.ProtoMinor = 1, 1
	buf := &bytes.Buffer{}
	err := clone.Write(buf)
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
