package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/zipview/pkg/archive"
	"github.com/fruitsalade/zipview/pkg/protocol"
)

func archiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range []struct{ name, data string }{
		{"a/b/c.txt", strings.Repeat("x", 50)},
		{"readme.md", "0123456789"},
	} {
		fw, err := w.Create(f.name)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		io.WriteString(fw, f.data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data := buf.Bytes()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test.zip" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "test.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestList(t *testing.T) {
	ts := archiveServer(t)
	out, err := runCLI(t, ts.URL+"/test.zip")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasSuffix(lines[2], "a/b/c.txt") || !strings.HasSuffix(lines[3], "readme.md") {
		t.Errorf("rows not in path order:\n%s", out)
	}
	if !strings.HasPrefix(lines[2], "50 B") {
		t.Errorf("size column = %q", lines[2])
	}
	if !strings.HasSuffix(lines[4], "2 files") {
		t.Errorf("summary = %q", lines[4])
	}
}

func TestList_ExplicitFlag(t *testing.T) {
	ts := archiveServer(t)
	want, err := runCLI(t, ts.URL+"/test.zip")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := runCLI(t, "-l", ts.URL+"/test.zip")
	if err != nil || got != want {
		t.Errorf("-l output = %q, %v; want %q", got, err, want)
	}
}

func TestTree(t *testing.T) {
	ts := archiveServer(t)
	out, err := runCLI(t, "--tree", ts.URL+"/test.zip")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "a/\n  b/\n    c.txt\nreadme.md\n"
	if out != want {
		t.Errorf("tree:\n%s\nwant:\n%s", out, want)
	}
}

func TestJSON(t *testing.T) {
	ts := archiveServer(t)
	out, err := runCLI(t, "--json", ts.URL+"/test.zip")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var tr protocol.TreeResponse
	if err := json.Unmarshal([]byte(out), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Files != 2 || tr.Root.Children["readme.md"] == nil {
		t.Errorf("listing = %+v", tr)
	}
}

func TestCatMember(t *testing.T) {
	ts := archiveServer(t)
	out, err := runCLI(t, ts.URL+"/test.zip", "readme.md")
	if err != nil || out != "0123456789" {
		t.Fatalf("cat = %q, %v", out, err)
	}

	out, err = runCLI(t, "--offset", "4", "--limit", "3", ts.URL+"/test.zip", "readme.md")
	if err != nil || out != "456" {
		t.Errorf("ranged cat = %q, %v", out, err)
	}
}

func TestCatMember_Output(t *testing.T) {
	ts := archiveServer(t)
	dst := filepath.Join(t.TempDir(), "c.txt")
	out, err := runCLI(t, "-o", dst, ts.URL+"/test.zip", "a/b/c.txt")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "" {
		t.Errorf("stdout should be empty, got %q", out)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != strings.Repeat("x", 50) {
		t.Errorf("output file = %q, %v", data, err)
	}
}

func TestErrors(t *testing.T) {
	ts := archiveServer(t)

	_, err := runCLI(t, ts.URL+"/test.zip", "missing.txt")
	if !errors.Is(err, archive.ErrMemberNotFound) || exitCode(err) != 3 {
		t.Errorf("missing member: %v (exit %d)", err, exitCode(err))
	}

	_, err = runCLI(t, ts.URL+"/gone.zip")
	if !errors.Is(err, archive.ErrNotFound) || exitCode(err) != 3 {
		t.Errorf("missing archive: %v (exit %d)", err, exitCode(err))
	}

	if _, err := runCLI(t); err == nil {
		t.Error("expected usage error without URL")
	}
	if _, err := runCLI(t, "--list", ts.URL+"/test.zip", "readme.md"); err == nil {
		t.Error("expected error for --list with MEMBER")
	}
	if _, err := runCLI(t, "--tree", "--json", ts.URL+"/test.zip"); err == nil {
		t.Error("expected error for --tree with --json")
	}
	if _, err := runCLI(t, "--offset", "-1", ts.URL+"/test.zip", "readme.md"); err == nil {
		t.Error("expected error for negative offset")
	}
}

func TestRetriesTransportFailures(t *testing.T) {
	ts := archiveServer(t)
	var failures atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		// Proxy with the original Range header.
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test.zip", nil)
		req.Header.Set("Range", r.Header.Get("Range"))
		up, err := http.DefaultClient.Do(req)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer up.Body.Close()
		for k, v := range up.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(up.StatusCode)
		io.Copy(w, up.Body)
	}))
	defer flaky.Close()

	out, err := runCLI(t, "--retries", "3", flaky.URL+"/test.zip", "readme.md")
	if err != nil || out != "0123456789" {
		t.Fatalf("cat through flaky server = %q, %v", out, err)
	}
	if got := failures.Load(); got < 3 {
		t.Errorf("server saw %d requests, expected retries", got)
	}

	failures.Store(0)
	if _, err := runCLI(t, "--retries", "1", flaky.URL+"/test.zip"); !errors.Is(err, archive.ErrTransport) {
		t.Errorf("single attempt: expected ErrTransport, got %v", err)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.50 KB"},
		{5 << 20, "5.00 MB"},
		{3 << 30, "3.00 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.in); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
