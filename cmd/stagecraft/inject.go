package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const injectTimeout = 10 * time.Second

// signalFile is the YAML layout accepted by "stagecraft inject". A bare list
// of signals is accepted as well.
type signalFile struct {
	Signals []map[string]any `yaml:"signals"`
}

func runInject(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stagecraft inject", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", "http://localhost:8080", "base URL of a running stagecraft server")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: stagecraft inject [-server URL] <file.yaml>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "stagecraft inject: %v\n", err)
		return 1
	}
	defer f.Close()

	signals, err := decodeSignals(f)
	if err != nil {
		fmt.Fprintf(stderr, "stagecraft inject: %s: %v\n", fs.Arg(0), err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), injectTimeout)
	defer cancel()
	n, err := postSignals(ctx, http.DefaultClient, *server, signals)
	if err != nil {
		fmt.Fprintf(stderr, "stagecraft inject: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "injected %d signal(s)\n", n)
	return 0
}

// decodeSignals reads a YAML batch of raw signals.
func decodeSignals(r io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err != nil {
		var file signalFile
		if ferr := yaml.Unmarshal(data, &file); ferr != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		list = file.Signals
	}
	if len(list) == 0 {
		return nil, errors.New("no signals in file")
	}
	return list, nil
}

// postSignals sends signals to the server's inject endpoint and returns how
// many were accepted.
func postSignals(ctx context.Context, client *http.Client, server string, signals []map[string]any) (int, error) {
	body, err := json.Marshal(signals)
	if err != nil {
		return 0, fmt.Errorf("encode signals: %w", err)
	}
	url := strings.TrimRight(server, "/") + "/v1/signals/inject"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return 0, fmt.Errorf("post %s: %s: %s", url, resp.Status, e.Error)
	}
	var out struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Accepted, nil
}
