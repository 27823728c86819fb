// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/interrupt"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/maruel/go-cameric/mediabuf"
)

//go:embed static
var static embed.FS

// frameMeta is sent along each image.
type frameMeta struct {
	Session   uuid.UUID
	Buffer    uuid.UUID
	Seq       int
	Format    string
	Width     int
	Height    int
	Timestamp time.Time
}

type frame struct {
	img  *image.Gray
	meta frameMeta
}

// WebServer keeps the last frames and pushes them to the WebSocket clients.
type WebServer struct {
	log   *zap.Logger
	mux   *http.ServeMux
	cond  *sync.Cond
	ring  [16]frame
	count int // Frames added so far.
}

func newWebServer(log *zap.Logger) *WebServer {
	w := &WebServer{log: log, mux: http.NewServeMux(), cond: sync.NewCond(&sync.Mutex{})}
	w.mux.HandleFunc("/", w.root)
	w.mux.Handle("/stream", websocket.Handler(w.stream))
	return w
}

// StartWebServer serves on port in the background until interrupted.
func StartWebServer(port int, log *zap.Logger) *WebServer {
	w := newWebServer(log)
	log.Info("listening", zap.Int("port", port))
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), loggingHandler{w.mux, log}); err != nil {
			log.Error("serve", zap.Error(err))
		}
	}()
	go func() {
		<-interrupt.Channel
		w.cond.Broadcast()
	}()
	return w
}

// AddFrame converts b for display and releases it.
func (s *WebServer) AddFrame(session uuid.UUID, b *mediabuf.Buffer) {
	img, err := b.Image()
	m := frameMeta{
		Session:   session,
		Buffer:    b.ID,
		Format:    b.Meta.Format.String(),
		Width:     b.Meta.Width,
		Height:    b.Meta.Height,
		Timestamp: b.Meta.Timestamp,
	}
	b.Unlock()
	if err != nil {
		s.log.Debug("frame skipped", zap.Stringer("buffer", m.Buffer), zap.Error(err))
		return
	}
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	m.Seq = s.count
	s.ring[s.count%len(s.ring)] = frame{img, m}
	s.count++
	s.cond.Broadcast()
}

func (s *WebServer) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	content, err := static.ReadFile("static/root.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(content)
}

// stream sends the frames as WebSocket messages, starting with the most
// recent one.
//
// Each frame is two messages: "I" followed by the base64 encoded PNG, then
// "M" followed by the JSON encoded frameMeta.
func (s *WebServer) stream(w *websocket.Conn) {
	s.log.Info("websocket", zap.String("remote", w.Request().RemoteAddr))
	defer w.Close()
	buf := &bytes.Buffer{}
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	next := s.count - 1
	if next < 0 {
		next = 0
	}
	for !interrupt.IsSet() {
		if next == s.count {
			s.cond.Wait()
			continue
		}
		if s.count-next > len(s.ring) {
			// Too slow; skip ahead.
			next = s.count - len(s.ring)
		}
		f := s.ring[next%len(s.ring)]
		next++
		s.cond.L.Unlock()
		err := send(w, buf, f)
		s.cond.L.Lock()
		if err != nil {
			s.log.Info("websocket closed", zap.Error(err))
			return
		}
	}
}

// send does the I/O without the lock.
func send(w *websocket.Conn, buf *bytes.Buffer, f frame) error {
	buf.Reset()
	buf.WriteString("I")
	enc := base64.NewEncoder(base64.StdEncoding, buf)
	if err := png.Encode(enc, f.img); err != nil {
		return err
	}
	enc.Close()
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	buf.Reset()
	buf.WriteString("M")
	if err := json.NewEncoder(buf).Encode(&f.meta); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Private details.

type loggingHandler struct {
	handler http.Handler
	log     *zap.Logger
}

type loggingResponseWriter struct {
	http.ResponseWriter
	length int
	status int
}

func (l *loggingResponseWriter) Write(data []byte) (size int, err error) {
	size, err = l.ResponseWriter.Write(data)
	l.length += size
	return
}

func (l *loggingResponseWriter) WriteHeader(status int) {
	l.ResponseWriter.WriteHeader(status)
	l.status = status
}

// Hijack is needed for websocket.
func (l *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h := l.ResponseWriter.(http.Hijacker)
	return h.Hijack()
}

func (l loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	l.handler.ServeHTTP(lrw, r)
	l.log.Debug("request",
		zap.String("remote", r.RemoteAddr),
		zap.Int("status", lrw.status),
		zap.Int("size", lrw.length),
		zap.String("method", r.Method),
		zap.String("uri", r.RequestURI),
		zap.Duration("duration", time.Since(start)))
}
