// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// camengine-grab runs a picture through the image processing chain once
// and saves the main path output as a PNG.
//
// The picture is injected through DMA; -in selects a PNG to use, otherwise a
// flat gray picture is generated. The chain is simulated unless -mmio is
// used.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/maruel/go-cameric/camengine"
	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/camerictest"
	"github.com/maruel/go-cameric/hal"
	"github.com/maruel/go-cameric/mediabuf"
)

var formats = map[string]cameric.DataMode{
	"yuv422": cameric.DataYUV422,
	"yuv420": cameric.DataYUV420,
	"raw8":   cameric.DataRAW8,
}

// loadInput returns the picture to inject as a Raw8 buffer.
func loadInput(path string, w, h int) (*mediabuf.Buffer, error) {
	var src image.Image = image.NewUniform(color.Gray{Y: 128})
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if src, err = png.Decode(f); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", path)
		}
		w, h = src.Bounds().Dx(), src.Bounds().Dy()
	}
	p, err := mediabuf.NewPool("input", 1, w*h)
	if err != nil {
		return nil, err
	}
	b := p.Get()
	gray := &image.Gray{Pix: b.Data, Stride: w, Rect: image.Rect(0, 0, w, h)}
	draw.Draw(gray, gray.Rect, src, src.Bounds().Min, draw.Src)
	b.Meta = mediabuf.Meta{Format: mediabuf.FormatRaw8, Width: w, Height: h, Stride: w, Timestamp: time.Now()}
	return b, nil
}

// grab runs one frame through the chain and returns its main path output.
func grab(e *camengine.Engine, hw *camerictest.Hardware, done <-chan error, sc *camengine.StartConfig) (*mediabuf.Buffer, error) {
	if err := e.Start(sc); err != nil {
		return nil, err
	}
	if err := <-done; err != nil {
		return nil, err
	}
	q := make(chan *mediabuf.Buffer, 1)
	if err := e.AttachQueue(cameric.Master, cameric.MainPath, q); err != nil {
		return nil, err
	}
	defer e.DetachQueue(cameric.Master, cameric.MainPath, q)
	if err := e.StartStreaming(1); err != nil {
		return nil, err
	}
	if err := <-done; err != nil {
		return nil, err
	}
	hw.Driver(cameric.Master).Frame()
	var out *mediabuf.Buffer
	select {
	case out = <-q:
	case <-time.After(time.Second):
		return nil, errors.New("no frame")
	}
	if err := e.StopStreaming(); err != nil {
		out.Unlock()
		return nil, err
	}
	if err := <-done; err != nil {
		out.Unlock()
		return nil, err
	}
	return out, nil
}

func mainImpl() error {
	in := flag.String("in", "", "PNG to process; defaults to a flat picture")
	width := flag.Int("w", 320, "width of the generated picture")
	height := flag.Int("h", 240, "height of the generated picture")
	format := flag.String("format", "yuv422", "main path format: yuv422, yuv420 or raw8")
	mmio := flag.String("mmio", "", "device to map the registers from; defaults to simulated ones")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("supply path to PNG to save")
	}
	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer log.Sync()
	}
	f, ok := formats[*format]
	if !ok {
		return fmt.Errorf("unknown format %q", *format)
	}

	var bus *hal.Window
	if *mmio == "" {
		bus = hal.NewMemory(camerictest.RegisterSpace)
	} else {
		var err error
		if bus, err = hal.OpenMMIO(*mmio, 0, camerictest.RegisterSpace); err != nil {
			return err
		}
	}
	defer bus.Close()

	pic, err := loadInput(*in, *width, *height)
	if err != nil {
		return err
	}
	defer pic.Unlock()
	wb := cameric.UnityWbGains
	sc := &camengine.StartConfig{
		Mode: cameric.ModeImageProcessing,
		Image: camengine.ImageConfig{
			Buffer:     pic,
			WbGains:    &wb,
			CcMatrix:   &[9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
			CcOffset:   &[3]int16{},
			BlackLevel: &cameric.BlackLevel{},
		},
	}
	sc.Master[cameric.MainPath] = cameric.PathConfig{Mode: f, Width: pic.Meta.Width, Height: pic.Meta.Height}

	hw := camerictest.New(bus)
	hw.Log = log.Named("hw")
	done := make(chan error, 4)
	e, err := camengine.New(&camengine.Config{
		MaxCommands: 4,
		Hardware:    hw,
		Completion:  func(id camengine.CommandID, err error) { done <- err },
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer e.Close()
	out, err := grab(e, hw, done, sc)
	if err != nil {
		return err
	}
	img, err := out.Image()
	out.Unlock()
	if err != nil {
		return err
	}
	w, err := os.Create(flag.Args()[0])
	if err != nil {
		return err
	}
	defer w.Close()
	return png.Encode(w, img)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\ncamengine-grab: %s.\n", err)
		os.Exit(1)
	}
}
