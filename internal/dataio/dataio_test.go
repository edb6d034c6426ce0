package dataio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/weft/internal/formats"
	"github.com/me/weft/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeS3 keeps objects in memory keyed by "bucket/key".
type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in, scheme, rest string
	}{
		{"/tmp/x.csv", "file", "/tmp/x.csv"},
		{"file:///tmp/x.csv", "file", "/tmp/x.csv"},
		{"HTTPS://host/x", "https", "host/x"},
		{"s3://bucket/a/b", "s3", "bucket/a/b"},
	}
	for _, tt := range tests {
		scheme, rest := ParseLocation(tt.in)
		if scheme != tt.scheme || rest != tt.rest {
			t.Errorf("ParseLocation(%q) = %q, %q", tt.in, scheme, rest)
		}
	}
}

func TestFetch_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.csv")
	if err := os.WriteFile(path, []byte("a\n1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, newTestLogger())
	for _, loc := range []string{path, "file://" + path} {
		b, err := s.Fetch(context.Background(), loc)
		if err != nil || string(b) != "a\n1\n" {
			t.Errorf("Fetch(%s) = %q, %v", loc, b, err)
		}
	}

	limited := New(Config{MaxBytes: 2}, newTestLogger())
	if _, err := limited.Fetch(context.Background(), path); err == nil || !strings.Contains(err.Error(), "exceeds 2 bytes") {
		t.Errorf("err = %v, want size error", err)
	}
	if _, err := s.Fetch(context.Background(), "ftp://host/x"); err == nil {
		t.Error("Fetch accepted ftp://")
	}

	locked := New(Config{NoLocalFiles: true}, newTestLogger())
	if _, err := locked.Fetch(context.Background(), path); err == nil || !strings.Contains(err.Error(), "local files are disabled") {
		t.Errorf("Fetch with local files disabled: err = %v", err)
	}
	if err := locked.Push(context.Background(), filepath.Join(t.TempDir(), "out"), []byte("x")); err == nil {
		t.Error("Push wrote a local file with local files disabled")
	}
}

func TestFetch_HTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Path {
		case "/flaky":
			if n == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
		case "/missing":
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Token") != "secret" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	s := New(Config{MaxRetries: 3, RetryDelay: time.Millisecond, Headers: map[string]string{"X-Token": "secret"}}, newTestLogger())

	b, err := s.Fetch(context.Background(), srv.URL+"/flaky")
	if err != nil || string(b) != "payload" {
		t.Fatalf("Fetch(flaky) = %q, %v", b, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}

	calls.Store(0)
	if _, err := s.Fetch(context.Background(), srv.URL+"/missing"); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("err = %v, want 404", err)
	}
	if calls.Load() != 1 {
		t.Errorf("client error retried: %d calls", calls.Load())
	}
}

func TestPush_HTTP(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(Config{}, newTestLogger())
	if err := s.Push(context.Background(), srv.URL+"/out.txt", []byte("42")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if string(got) != "42" {
		t.Errorf("server got %q", got)
	}
}

func TestS3(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"bucket/in/t.csv": []byte("a\n")}}
	s := New(Config{}, newTestLogger(), WithS3Client(fake))

	b, err := s.Fetch(context.Background(), "s3://bucket/in/t.csv")
	if err != nil || string(b) != "a\n" {
		t.Fatalf("Fetch = %q, %v", b, err)
	}
	if err := s.Push(context.Background(), "s3://bucket/out/n.txt", []byte("3")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if string(fake.objects["bucket/out/n.txt"]) != "3" {
		t.Errorf("objects = %v", fake.objects)
	}

	for _, loc := range []string{"s3://bucket", "s3://bucket/missing"} {
		if _, err := s.Fetch(context.Background(), loc); err == nil {
			t.Errorf("Fetch(%s) succeeded", loc)
		}
	}
	if _, err := New(Config{}, newTestLogger()).Fetch(context.Background(), "s3://bucket/in/t.csv"); err == nil || !strings.Contains(err.Error(), "no S3 client") {
		t.Errorf("err = %v, want missing client", err)
	}
}

func TestPushOutputs(t *testing.T) {
	reg, err := formats.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	res := &model.RunResult{
		ID:     "run",
		Status: model.RunStatusFailed,
		Nodes: map[string]*model.NodeResult{
			"count": {NodeID: "count", State: model.NodeStateSucceeded, Outputs: map[string]model.Value{
				"n": {Type: "number", Format: "number", Data: 3.0},
			}},
			"load": {NodeID: "load", State: model.NodeStateSucceeded, Outputs: map[string]model.Value{
				"rows": {Type: "table", Format: "rows", Data: []map[string]any{{"a": 1.0}}},
			}},
			"bad": {NodeID: "bad", State: model.NodeStateFailed},
		},
	}
	dir := t.TempDir()
	s := New(Config{}, newTestLogger())
	pushed, err := s.PushOutputs(context.Background(), reg, res, dir+"/")
	if err != nil {
		t.Fatalf("PushOutputs: %v", err)
	}
	var locs []string
	for _, p := range pushed {
		locs = append(locs, filepath.Base(p.Location))
	}
	if !reflect.DeepEqual(locs, []string{"count.n.txt", "load.rows.json"}) {
		t.Errorf("pushed = %v", locs)
	}
	b, err := os.ReadFile(filepath.Join(dir, "load.rows.json"))
	if err != nil || string(b) != `[{"a":1}]` {
		t.Errorf("load.rows.json = %q, %v", b, err)
	}
	b, _ = os.ReadFile(filepath.Join(dir, "count.n.txt"))
	if string(b) != "3" {
		t.Errorf("count.n.txt = %q", b)
	}
}
