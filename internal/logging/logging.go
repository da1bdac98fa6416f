// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logging configures the process loggers: human-readable text
// under logs/text and JSON lines under logs/structured, both rotated.
package logging

import (
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/panfleet/upgrader/internal/workdir"
)

// Setup points the default loggo context at the work directory's log
// tree and applies the configured root level.
func Setup(dirs workdir.Dirs, level string) error {
	if _, ok := loggo.ParseLevel(level); !ok {
		return errors.NotValidf("log level %q", level)
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		return errors.Trace(err)
	}

	text := &lumberjack.Logger{
		Filename:   filepath.Join(dirs.TextLogDir(), "upgraded.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}
	if err := loggo.RegisterWriter("file", loggo.NewSimpleWriter(text, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}

	structured := &lumberjack.Logger{
		Filename:   filepath.Join(dirs.StructuredLogDir(), "upgraded.jsonl"),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}
	if err := loggo.RegisterWriter("structured", NewJSONWriter(structured)); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// entryDoc is one structured log line.
type entryDoc struct {
	Timestamp string `json:"ts"`
	Level     string `json:"level"`
	Module    string `json:"module"`
	Location  string `json:"location,omitempty"`
	Message   string `json:"message"`
}

// JSONWriter is a loggo.Writer emitting one JSON document per line.
type JSONWriter struct {
	out io.Writer
}

// NewJSONWriter returns a JSONWriter over out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out}
}

// Write is part of the loggo.Writer interface.
func (w *JSONWriter) Write(entry loggo.Entry) {
	doc := entryDoc{
		Timestamp: entry.Timestamp.UTC().Format(time.RFC3339),
		Level:     entry.Level.String(),
		Module:    entry.Module,
		Message:   entry.Message,
	}
	if entry.Filename != "" {
		doc.Location = filepath.Base(entry.Filename)
	}
	line, err := json.Marshal(doc)
	if err != nil {
		return
	}
	_, _ = w.out.Write(append(line, '\n'))
}
