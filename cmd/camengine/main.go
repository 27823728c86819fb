// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// camengine runs a CamerIC engine and streams the frames of its main path
// over a WebSocket.
//
// Without -mmio, the chains are simulated in memory and a clock generates the
// frames. The configuration is read from ~/.config/camengine/camengine.yaml;
// use -writeConfig to create one with the defaults.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"os/user"
	"path/filepath"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/interrupt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/maruel/go-cameric/camengine"
	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/camerictest"
	"github.com/maruel/go-cameric/hal"
	"github.com/maruel/go-cameric/mediabuf"
	"github.com/maruel/go-cameric/sensor"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

type config struct {
	Mode        string        `yaml:"mode"`   // 2d, imgstab or 3d.
	Format      string        `yaml:"format"` // Main path format: yuv422, yuv420 or raw8.
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	Period      time.Duration `yaml:"period"` // Simulated frame period.
	Buffers     int           `yaml:"buffers"`
	StopTimeout time.Duration `yaml:"stopTimeout"`
	Lock        bool          `yaml:"lock"` // Lock the 3A once streaming.
	// I2C is the bus of the sensor to detect. Empty uses a simulated sensor.
	I2C  string `yaml:"i2c"`
	MMIO struct {
		Path   string `yaml:"path"` // Empty simulates the register file.
		Offset int64  `yaml:"offset"`
	} `yaml:"mmio"`
}

func defaultConfig() config {
	return config{
		Mode:        "2d",
		Format:      "yuv422",
		Width:       320,
		Height:      240,
		Period:      100 * time.Millisecond,
		Buffers:     camengine.DefaultBuffers,
		StopTimeout: camengine.DefaultStopTimeout,
	}
}

var modes = map[string]cameric.Mode{
	"2d":      cameric.ModeSensor2D,
	"imgstab": cameric.ModeSensor2DImgStab,
	"3d":      cameric.ModeSensor3D,
}

var formats = map[string]cameric.DataMode{
	"yuv422": cameric.DataYUV422,
	"yuv420": cameric.DataYUV420,
	"raw8":   cameric.DataRAW8,
}

func loadConfig(path string, c *config) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	return nil
}

func writeConfig(path string, c *config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	e := yaml.NewEncoder(f)
	e.SetIndent(2)
	if err := e.Encode(c); err != nil {
		return err
	}
	return e.Close()
}

// startConfig converts the file configuration for Engine.Start().
func (c *config) startConfig(s cameric.Sensor) (*camengine.StartConfig, error) {
	mode, ok := modes[c.Mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", c.Mode)
	}
	f, ok := formats[c.Format]
	if !ok {
		return nil, fmt.Errorf("unknown format %q", c.Format)
	}
	sc := &camengine.StartConfig{
		Mode:   mode,
		Sensor: camengine.SensorConfig{Sensor: s, Slave: s},
	}
	sc.Master[cameric.MainPath] = cameric.PathConfig{Mode: f, Width: c.Width, Height: c.Height}
	if mode.TwoChains() {
		sc.Slave[cameric.MainPath] = sc.Master[cameric.MainPath]
	}
	for p := range sc.Buffers {
		sc.Buffers[p] = c.Buffers
	}
	return sc, nil
}

// results collects the command completions of the engine.
type results chan result

type result struct {
	id  camengine.CommandID
	err error
}

func (r results) complete(id camengine.CommandID, err error) {
	select {
	case r <- result{id, err}:
	default:
	}
}

// wait returns the outcome of the next completion of id.
func (r results) wait(id camengine.CommandID, timeout time.Duration) error {
	t := time.After(timeout)
	for {
		select {
		case res := <-r:
			if res.id == id {
				return res.err
			}
		case <-t:
			return errors.Errorf("%s timed out", id)
		}
	}
}

func openSensor(c *config, log *zap.Logger) (cameric.Sensor, func() error, error) {
	if c.I2C == "" {
		s := &camerictest.Sensor{Cfg: cameric.SensorConfig{
			Name:   "simulated",
			Mode:   cameric.IspBayerRGB,
			Acq:    cameric.AcqProperties{Bayer: cameric.RGGB, InputBits: 10},
			Window: image.Rect(0, 0, c.Width, c.Height),
			Color:  true,
		}}
		return s, func() error { return nil }, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}
	b, err := i2creg.Open(c.I2C)
	if err != nil {
		return nil, nil, err
	}
	d, err := sensor.Detect(b, nil)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	log.Info("sensor", zap.Stringer("dev", d))
	return d, closer(b, d), nil
}

func closer(b i2c.BusCloser, d *sensor.Dev) func() error {
	return func() error {
		err := d.Halt()
		if err2 := b.Close(); err == nil {
			err = err2
		}
		return err
	}
}

func openBus(c *config) (*hal.Window, error) {
	if c.MMIO.Path == "" {
		return hal.NewMemory(camerictest.RegisterSpace), nil
	}
	return hal.OpenMMIO(c.MMIO.Path, c.MMIO.Offset, camerictest.RegisterSpace)
}

func mainImpl() error {
	cpuprofile := flag.String("cpuprofile", "", "dump CPU profile in file")
	port := flag.Int("port", 8010, "http port to listen on")
	verbose := flag.Bool("v", false, "verbose logging")
	doWrite := flag.Bool("writeConfig", false, "write the config file and exit")
	cfgPath := flag.String("config", "", "config file; defaults to ~/.config/camengine/camengine.yaml")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer log.Sync()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	interrupt.HandleCtrlC()

	if *cfgPath == "" {
		usr, err := user.Current()
		if err != nil {
			return err
		}
		*cfgPath = filepath.Join(usr.HomeDir, ".config", "camengine", "camengine.yaml")
	}
	cfg := defaultConfig()
	if err := loadConfig(*cfgPath, &cfg); err != nil {
		return err
	}
	if *doWrite {
		return writeConfig(*cfgPath, &cfg)
	}

	bus, err := openBus(&cfg)
	if err != nil {
		return err
	}
	defer bus.Close()
	s, closeSensor, err := openSensor(&cfg, log)
	if err != nil {
		return err
	}
	defer closeSensor()
	sc, err := cfg.startConfig(s)
	if err != nil {
		return err
	}

	hw := camerictest.New(bus)
	hw.Log = log.Named("hw")
	res := make(results, 16)
	e, err := camengine.New(&camengine.Config{
		MaxCommands: 8,
		Is3D:        sc.Mode.TwoChains(),
		Hardware:    hw,
		Algorithms:  func() (cameric.Algorithms, error) { return camerictest.NewAlgorithms(nil, 3, 2, 5), nil },
		Completion:  res.complete,
		StopTimeout: cfg.StopTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Start(sc); err != nil {
		return err
	}
	if err := res.wait(camengine.CmdStart, time.Second); err != nil {
		return err
	}
	w := StartWebServer(*port, log.Named("http"))
	q := make(chan *mediabuf.Buffer, 4)
	if err := e.AttachQueue(cameric.Master, cameric.MainPath, q); err != nil {
		return err
	}
	var frames atomic.Int64
	done := forward(q, w, e.Session(), &frames)
	detach := func() {
		if q == nil {
			return
		}
		if err := e.DetachQueue(cameric.Master, cameric.MainPath, q); err != nil {
			log.Warn("detach queue", zap.Error(err))
		}
		close(q)
		<-done
		q = nil
	}
	defer detach()
	if err := e.StartStreaming(0); err != nil {
		return err
	}
	if err := res.wait(camengine.CmdStartStreaming, time.Second); err != nil {
		return err
	}
	if d, ok := s.(*sensor.Dev); ok {
		if err := d.SetStreaming(true); err != nil {
			return err
		}
	}
	clock := camerictest.StartClock(hw, cfg.Period)
	defer clock.Close()
	if cfg.Lock {
		if err := e.SearchAndLock(cameric.LockAll); err != nil {
			return err
		}
	}

	changed := make(chan error, 1)
	go func() {
		changed <- watchFile()
	}()
	restart := false
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for !interrupt.IsSet() {
		select {
		case <-tick.C:
		case err := <-changed:
			if err != nil {
				log.Warn("watch", zap.Error(err))
			} else if !interrupt.IsSet() {
				log.Info("executable changed, restarting")
				restart = true
			}
			interrupt.Set()
		}
		req, locked := e.LockState()
		fmt.Printf("\r%d frames locked:0x%x requested:0x%x", frames.Load(), locked, req)
	}
	fmt.Print("\n")

	if err := e.StopStreaming(); err != nil {
		return err
	}
	if err := res.wait(camengine.CmdStopStreaming, 2*cfg.StopTimeout); err != nil {
		log.Warn("stop streaming", zap.Error(err))
	}
	detach()
	if err := e.Stop(); err != nil {
		return err
	}
	if err := res.wait(camengine.CmdStop, time.Second); err != nil {
		return err
	}
	if restart {
		return errRestart
	}
	return nil
}

// errRestart is returned by mainImpl once everything is closed when the
// executable was replaced.
var errRestart = errors.New("restart")

// forward hands every buffer received on q to w until q is closed. The
// returned channel is closed once q is drained.
func forward(q <-chan *mediabuf.Buffer, w *WebServer, session uuid.UUID, frames *atomic.Int64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for b := range q {
			frames.Add(1)
			w.AddFrame(session, b)
		}
	}()
	return done
}

func main() {
	err := mainImpl()
	if err == errRestart {
		err = reexec()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "\ncamengine: %s.\n", err)
		os.Exit(1)
	}
}
