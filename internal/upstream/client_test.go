package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/olahd/olahd/internal/offline"
)

func newTestClient(guard *offline.Guard) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(guard, log, Options{
		Timeout:      5 * time.Second,
		RetryBackoff: time.Millisecond,
	})
}

func TestGetRangeHonors206(t *testing.T) {
	content := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=4-9" {
			t.Errorf("range header = %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 4-9/16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[4:10])
	}))
	defer srv.Close()

	got, err := newTestClient(nil).GetRange(context.Background(), srv.URL, 4, 6, nil)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if string(got) != "456789" {
		t.Fatalf("got %q, want %q", got, "456789")
	}
}

func TestGetRangeSlicesFull200(t *testing.T) {
	content := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 无视 Range，返回整个文件。
		w.Write(content)
	}))
	defer srv.Close()

	got, err := newTestClient(nil).GetRange(context.Background(), srv.URL, 10, 4, nil)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("sliced %q from 200 response, want %q", got, "abcd")
	}
}

func TestGetRange416(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	_, err := newTestClient(nil).GetRange(context.Background(), srv.URL, 100, 10, nil)
	if !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("err = %v, want ErrRangeNotSatisfiable", err)
	}
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, _, err := newTestClient(nil).GetMeta(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
	if hits.Load() != 3 {
		t.Fatalf("server hit %d times, want 3", hits.Load())
	}
}

func Test4xxFailsImmediately(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := newTestClient(nil).GetMeta(context.Background(), srv.URL, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want StatusError 404", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx retried (%d hits), want exactly 1", hits.Load())
	}
}

func TestRetryExhaustion(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := newTestClient(nil).GetMeta(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if hits.Load() != 5 {
		t.Fatalf("server hit %d times, want 5", hits.Load())
	}
}

func TestRedirectFollowedAndRecorded(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "42")
		w.Header().Set("ETag", `"cdn-etag"`)
	}))
	defer final.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", final.URL+"/cdn/object")
		w.WriteHeader(http.StatusFound)
	}))
	defer hop.Close()

	stat, err := newTestClient(nil).HeadFile(context.Background(), hop.URL, nil)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if stat.FinalURL != final.URL+"/cdn/object" {
		t.Fatalf("final url = %q", stat.FinalURL)
	}
	if stat.Size != 42 || stat.ETag != `"cdn-etag"` {
		t.Fatalf("stat = %+v", stat)
	}
}

func TestRedirectBound(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", srv.URL+r.URL.Path+"x")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestClient(nil).HeadFile(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("err = %v, want ErrTooManyRedirects", err)
	}
}

func TestOfflineGuardBlocksEgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request escaped while offline")
	}))
	defer srv.Close()

	guard := offline.NewGuard(true)
	_, _, err := newTestClient(guard).GetMeta(context.Background(), srv.URL, nil)
	if !errors.Is(err, offline.ErrOfflineMiss) {
		t.Fatalf("err = %v, want ErrOfflineMiss", err)
	}
}

func TestHeadFileParsesLinkedHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Repo-Commit", "0123456789abcdef0123456789abcdef01234567")
		w.Header().Set("X-Linked-Etag", `"lfs-sha"`)
		w.Header().Set("X-Linked-Size", "1048576")
	}))
	defer srv.Close()

	stat, err := newTestClient(nil).HeadFile(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if stat.CommitHash != "0123456789abcdef0123456789abcdef01234567" {
		t.Fatalf("commit = %q", stat.CommitHash)
	}
	if stat.LinkedETag != `"lfs-sha"` || stat.LinkedSize != 1048576 {
		t.Fatalf("linked headers not parsed: %+v", stat)
	}
	if stat.Size != 1048576 {
		t.Fatalf("size should fall back to X-Linked-Size, got %d", stat.Size)
	}
}

func TestPassthroughHeadersForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_token" {
			t.Errorf("authorization not forwarded: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Internal") != "" {
			t.Errorf("unexpected header forwarded")
		}
		fmt.Fprint(w, "{}")
	}))
	defer srv.Close()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer hf_token")
	hdr.Set("X-Internal", "nope")
	if _, _, err := newTestClient(nil).GetMeta(context.Background(), srv.URL, hdr); err != nil {
		t.Fatalf("get meta: %v", err)
	}
}

func TestCopyHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("X-Repo-Commit", "abc")

	dst := http.Header{}
	CopyHeaders(dst, src)
	if dst.Get("Connection") != "" || dst.Get("Transfer-Encoding") != "" {
		t.Fatalf("hop-by-hop headers leaked: %v", dst)
	}
	if dst.Get("Content-Type") != "application/json" || dst.Get("X-Repo-Commit") != "abc" {
		t.Fatalf("end-to-end headers dropped: %v", dst)
	}
}

func TestGetRangeShortBodyRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	_, err := newTestClient(nil).GetRange(context.Background(), srv.URL, 0, 10, nil)
	if !errors.Is(err, ErrShortBody) {
		t.Fatalf("err = %v, want ErrShortBody", err)
	}
	if hits.Load() != 5 {
		t.Fatalf("short body retried %d times, want 5", hits.Load())
	}
}
