// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/websocket"

	"github.com/maruel/go-cameric/mediabuf"
)

func TestWebServer(t *testing.T) {
	w := newWebServer(zaptest.NewLogger(t))
	ts := httptest.NewServer(loggingHandler{w.mux, zaptest.NewLogger(t)})
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("/stream")) {
		t.Fatal(resp.StatusCode, string(body))
	}
	if resp, err = http.Get(ts.URL + "/nope"); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatal(resp.StatusCode)
	}

	p, err := mediabuf.NewPool("main", 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	b := p.Get()
	b.Meta = mediabuf.Meta{Format: mediabuf.FormatRaw8, Width: 4, Height: 4}
	b.Data[5] = 200
	session := uuid.New()
	w.AddFrame(session, b)
	if p.Free() != 2 {
		t.Fatal("buffer not released")
	}
	// A JPEG buffer cannot be displayed; it is dropped.
	j := p.Get()
	j.Meta = mediabuf.Meta{Format: mediabuf.FormatJPEG, Width: 4, Height: 4}
	w.AddFrame(session, j)
	if p.Free() != 2 || w.count != 1 {
		t.Fatal("jpeg frame")
	}

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream", "", ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	var msg string
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatal(err)
	}
	if msg[0] != 'I' {
		t.Fatal(msg[:1])
	}
	raw, err := base64.StdEncoding.DecodeString(msg[1:])
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if r, _, _, _ := img.At(1, 1).RGBA(); r>>8 != 200 {
		t.Fatal(r >> 8)
	}
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatal(err)
	}
	if msg[0] != 'M' {
		t.Fatal(msg[:1])
	}
	m := frameMeta{}
	if err := json.Unmarshal([]byte(msg[1:]), &m); err != nil {
		t.Fatal(err)
	}
	if m.Session != session || m.Buffer != b.ID || m.Width != 4 || m.Format != "Raw8" || m.Seq != 0 {
		t.Fatalf("%+v", m)
	}
}
