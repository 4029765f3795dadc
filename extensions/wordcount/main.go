// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package main implements a word-counting process extension for Cradle.
//
// Build the binary next to the manifest so the entry reference
// process:wordcount resolves:
//
//	go build -o wordcount ./extensions/wordcount
//
// The extension keeps a running total in host state, so the count
// survives restarts of both the extension and the host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cradlehq/cradle/pkg/extsdk"
)

type countInput struct {
	Text string `json:"text"`
}

type countResult struct {
	Words int `json:"words"`
}

type wordChunk struct {
	Index int    `json:"index"`
	Word  string `json:"word"`
}

// WordCount is the extension implementation handed to extsdk.Serve.
type WordCount struct {
	host *extsdk.Host
}

func (w *WordCount) Init(_ context.Context, host *extsdk.Host) error {
	w.host = host
	return nil
}

func (w *WordCount) Start(ctx context.Context) error {
	// Feed every echoed reply through the count action so the running
	// total also covers text echoed by the echo extension.
	if err := w.host.Subscribe(ctx, "echo.replied", "count"); err != nil {
		return fmt.Errorf("subscribing to echo.replied: %w", err)
	}
	w.host.Log("info", "wordcount extension started")
	return nil
}

func (w *WordCount) Stop(context.Context) error { return nil }

func (w *WordCount) Invoke(ctx context.Context, action string, input json.RawMessage, emit extsdk.EmitFunc) (json.RawMessage, error) {
	switch action {
	case "count":
		return w.count(ctx, input)
	case "words":
		return nil, w.words(input, emit)
	case "total":
		return w.total(ctx)
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

func (w *WordCount) count(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in countInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}

	n := len(strings.Fields(in.Text))
	if err := w.addToTotal(ctx, n); err != nil {
		return nil, err
	}
	return json.Marshal(countResult{Words: n})
}

// words streams one chunk per word, at host pace.
func (w *WordCount) words(input json.RawMessage, emit extsdk.EmitFunc) error {
	var in countInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	for i, word := range strings.Fields(in.Text) {
		chunk, err := json.Marshal(wordChunk{Index: i, Word: word})
		if err != nil {
			return err
		}
		if err := emit(chunk); err != nil {
			// The stream is closed or capped; stop producing.
			return nil
		}
	}
	return nil
}

func (w *WordCount) total(ctx context.Context) (json.RawMessage, error) {
	total, err := w.loadTotal(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"total": total})
}

func (w *WordCount) loadTotal(ctx context.Context) (int, error) {
	doc, found, err := w.host.StateLoad(ctx, "total")
	if err != nil {
		return 0, fmt.Errorf("loading total: %w", err)
	}
	if !found {
		return 0, nil
	}
	total, err := strconv.Atoi(string(doc))
	if err != nil {
		return 0, fmt.Errorf("corrupt total document: %w", err)
	}
	return total, nil
}

func (w *WordCount) addToTotal(ctx context.Context, n int) error {
	total, err := w.loadTotal(ctx)
	if err != nil {
		return err
	}
	doc := json.RawMessage(strconv.Itoa(total + n))
	if err := w.host.StateSave(ctx, "total", doc); err != nil {
		return fmt.Errorf("saving total: %w", err)
	}
	return nil
}

func main() {
	extsdk.Serve(&WordCount{})
}
