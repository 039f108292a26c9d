package tee

import (
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestSavedResponse(t *testing.T) {
	rs := NewResponseSaver()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/test")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("Hello "))
		w.Write([]byte("world"))
	})
	req, _ := http.NewRequest("GET", "/", nil)
	handler.ServeHTTP(rs, req)

	res := rs.Response(req)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Status code is %d", res.StatusCode)
	}
	if ct := res.Header.Get("content-type"); ct != "text/test" {
		t.Fatalf("Content-Type header is %s", ct)
	}
	if res.ContentLength != 11 {
		t.Fatalf("Content length is %d", res.ContentLength)
	}
	if body, err := io.ReadAll(res.Body); err != nil || fmt.Sprintf("%s", body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if res.Request != req {
		t.Fatal("Request not set")
	}
}

func TestImplicitStatusOK(t *testing.T) {
	rs := NewResponseSaver()
	rs.Write([]byte("ok"))
	rs.WriteHeader(http.StatusTeapot)
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status code is %d", rs.StatusCode())
	}
	if NewResponseSaver().Response(nil).StatusCode != http.StatusOK {
		t.Fatal("Empty response should be 200")
	}
}
