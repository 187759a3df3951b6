package event

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Compress gzips a JSON payload for storage.
func Compress(contents []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(contents); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Payloads stored uncompressed are returned
// as they are.
func Decompress(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, gzipMagic) {
		return stored, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("open compressed payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read compressed payload: %w", err)
	}
	return out, nil
}

// exportHeader is the header part of an export line.
type exportHeader struct {
	ID          int64  `json:"eventid"`
	Timestamp   string `json:"timestamp"`
	Catalogue   string `json:"catalogue"`
	Entity      string `json:"entity"`
	Version     string `json:"version"`
	Action      Action `json:"action"`
	Source      string `json:"source"`
	Tid         string `json:"tid"`
	Application string `json:"application"`
}

const exportTimeLayout = "2006-01-02T15:04:05.999999Z07:00"

// MarshalLine renders the export form sourceId|<json header>|<json body>,
// without a trailing newline.
func MarshalLine(e *Event) (string, error) {
	if strings.Contains(e.SourceID, "|") {
		return "", fmt.Errorf("source id %q contains the field separator", e.SourceID)
	}
	h, err := json.Marshal(exportHeader{
		ID:          e.ID,
		Timestamp:   e.Timestamp.Format(exportTimeLayout),
		Catalogue:   e.Catalogue,
		Entity:      e.Entity,
		Version:     e.Version,
		Action:      e.Action,
		Source:      e.Source,
		Tid:         e.Tid,
		Application: e.Application,
	})
	if err != nil {
		return "", err
	}
	body := e.Contents
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return "", fmt.Errorf("compact body of event %d: %w", e.ID, err)
	}
	return e.SourceID + "|" + string(h) + "|" + compact.String(), nil
}

// UnmarshalLine parses a line produced by MarshalLine. The header JSON never
// contains a bare '|' outside strings, so splitting on the first separator
// after the header object is safe.
func UnmarshalLine(line string) (*Event, error) {
	sourceID, rest, ok := strings.Cut(strings.TrimRight(line, "\r\n"), "|")
	if !ok {
		return nil, fmt.Errorf("malformed export line: missing separator")
	}

	dec := json.NewDecoder(strings.NewReader(rest))
	var h exportHeader
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("malformed export header: %w", err)
	}
	body := strings.TrimSpace(rest[dec.InputOffset():])
	body, ok = strings.CutPrefix(body, "|")
	if !ok {
		return nil, fmt.Errorf("malformed export line: missing body")
	}

	ts, err := parseExportTime(h.Timestamp)
	if err != nil {
		return nil, err
	}
	action, err := ParseAction(string(h.Action))
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:          h.ID,
		Timestamp:   ts,
		Catalogue:   h.Catalogue,
		Entity:      h.Entity,
		Version:     h.Version,
		Action:      action,
		Source:      h.Source,
		SourceID:    sourceID,
		Tid:         h.Tid,
		Application: h.Application,
		Contents:    json.RawMessage(body),
	}, nil
}

func parseExportTime(s string) (time.Time, error) {
	t, err := time.Parse(exportTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed export timestamp %q: %w", s, err)
	}
	return t, nil
}
