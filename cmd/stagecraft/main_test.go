package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/stagecraft/internal/config"
)

func TestDecodeSignals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		src     string
		want    int
		wantErr bool
	}{
		{
			name: "bare list",
			src: `
- id: tx-1
  amount: 650
  category: discretionary
- id: tx-2
  payload:
    amount: 40
    merchant: StreamCo
`,
			want: 2,
		},
		{
			name: "signals key",
			src: `
signals:
  - id: tx-1
    kind: transaction
`,
			want: 1,
		},
		{name: "empty", src: ``, wantErr: true},
		{name: "empty list", src: `signals: []`, wantErr: true},
		{name: "malformed", src: `- id: [`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeSignals(strings.NewReader(tt.src))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeSignals: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d signals, want %d", len(got), tt.want)
			}
		})
	}
}

func TestPostSignals(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotBody []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"accepted":2}`)
	}))
	defer srv.Close()

	signals, err := decodeSignals(strings.NewReader("- id: a\n  payload:\n    amount: 12.5\n- id: b\n"))
	if err != nil {
		t.Fatal(err)
	}
	n, err := postSignals(context.Background(), srv.Client(), srv.URL+"/", signals)
	if err != nil {
		t.Fatalf("postSignals: %v", err)
	}
	if n != 2 {
		t.Errorf("accepted: got %d, want 2", n)
	}
	if gotPath != "/v1/signals/inject" {
		t.Errorf("path: got %q", gotPath)
	}
	if len(gotBody) != 2 || gotBody[0]["id"] != "a" {
		t.Fatalf("body: got %v", gotBody)
	}
	if p, ok := gotBody[0]["payload"].(map[string]any); !ok || p["amount"] != 12.5 {
		t.Errorf("nested payload: got %v", gotBody[0]["payload"])
	}
}

func TestPostSignals_Rejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"signal 0: missing id"}`)
	}))
	defer srv.Close()

	_, err := postSignals(context.Background(), srv.Client(), srv.URL, []map[string]any{{"amount": 1}})
	if err == nil || !strings.Contains(err.Error(), "missing id") {
		t.Errorf("got %v, want server error surfaced", err)
	}
}

func TestRunInject_Usage(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer
	if code := run([]string{"inject"}, io.Discard, &stderr); code != 2 {
		t.Errorf("exit code: got %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "usage: stagecraft inject") {
		t.Errorf("usage not printed:\n%s", stderr.String())
	}
}

func TestRunInject_EndToEnd(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"accepted":1}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "signals.yaml")
	if err := os.WriteFile(path, []byte("- id: tx-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	if code := run([]string{"inject", "-server", srv.URL, path}, &stdout, io.Discard); code != 0 {
		t.Fatalf("exit code: got %d", code)
	}
	if got := stdout.String(); got != "injected 1 signal(s)\n" {
		t.Errorf("stdout: got %q", got)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if code := run([]string{"-config", missing}, io.Discard, &stderr); code != 1 {
		t.Errorf("exit code: got %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Errorf("stderr: got %q", stderr.String())
	}
}

func TestRun_BadFlag(t *testing.T) {
	t.Parallel()
	if code := run([]string{"-bogus"}, io.Discard, io.Discard); code != 2 {
		t.Errorf("exit code: got %d, want 2", code)
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Assets.BaseURL = "https://assets.example.com/stage"
	var out bytes.Buffer
	printStartupSummary(&out, cfg)
	s := out.String()
	for _, want := range []string{"Listen addr", ":8080", "builtin", "memory (200)", "(disabled)", "https://assets.e…"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}
