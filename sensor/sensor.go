// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sensor controls the image sensors found on CamerIC boards over
// their i²c control port.
//
// Only the registers needed to identify the sensor and start or stop its
// output are driven here; the mode tables are loaded by the board support
// code.
package sensor

import (
	"encoding/binary"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/maruel/go-cameric/cameric"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/mmr"
)

// Desc describes a supported sensor.
type Desc struct {
	Addr      uint16 // 7 bits i²c address.
	ChipIDReg uint16 // High byte of the 16 bits chip ID.
	ChipID    uint16
	StreamReg uint16
	StreamOn  uint8
	StreamOff uint8
	Config    cameric.SensorConfig
}

// OV5640 is a 5MP sensor with an embedded ISP, outputting YCbCr.
var OV5640 = Desc{
	Addr:      0x3C,
	ChipIDReg: 0x300A,
	ChipID:    0x5640,
	StreamReg: 0x3008,
	StreamOn:  0x02,
	StreamOff: 0x42, // Software power down.
	Config: cameric.SensorConfig{
		Name:      "OV5640",
		Interface: cameric.Mipi,
		Mode:      cameric.IspBT601,
		Acq:       cameric.AcqProperties{InputBits: 8},
		Window:    image.Rect(0, 0, 1280, 720),
		SOC:       true,
		Color:     true,
	},
}

// OV8825 is an 8MP raw Bayer sensor.
var OV8825 = Desc{
	Addr:      0x36,
	ChipIDReg: 0x300A,
	ChipID:    0x8825,
	StreamReg: 0x0100,
	StreamOn:  0x01,
	StreamOff: 0x00,
	Config: cameric.SensorConfig{
		Name:      "OV8825",
		Interface: cameric.Mipi,
		Mode:      cameric.IspBayerRGB,
		Acq:       cameric.AcqProperties{Bayer: cameric.BGGR, InputBits: 10},
		Window:    image.Rect(0, 0, 1632, 1224),
		Color:     true,
	},
}

// Known lists the supported sensors, in detection order.
var Known = []*Desc{&OV5640, &OV8825}

// Dev is a sensor connected over i²c.
//
// It implements cameric.Sensor.
type Dev struct {
	desc *Desc
	c    mmr.Dev16
	pwdn gpio.PinOut

	mu        sync.Mutex
	streaming bool
}

// New powers up the sensor and checks its chip ID.
//
// pwdn is the power down pin, active high. It can be nil when the pin is
// hardwired.
func New(b i2c.Bus, desc *Desc, pwdn gpio.PinOut) (*Dev, error) {
	d := &Dev{
		desc: desc,
		c:    mmr.Dev16{Conn: &i2c.Dev{Bus: b, Addr: desc.Addr}, Order: binary.BigEndian},
		pwdn: pwdn,
	}
	if pwdn != nil {
		if err := pwdn.Out(gpio.Low); err != nil {
			return nil, errors.Wrapf(err, "sensor: %s power up", desc.Config.Name)
		}
	}
	id, err := d.ChipID()
	if err != nil {
		return nil, err
	}
	if id != desc.ChipID {
		return nil, errors.Errorf("sensor: found chip 0x%04X, expected %s (0x%04X)", id, desc.Config.Name, desc.ChipID)
	}
	return d, nil
}

// Detect tries every known sensor on the bus and returns the first found.
func Detect(b i2c.Bus, pwdn gpio.PinOut) (*Dev, error) {
	for _, desc := range Known {
		if d, err := New(b, desc, pwdn); err == nil {
			return d, nil
		}
	}
	return nil, errors.New("sensor: no known sensor found")
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s@0x%02X", d.desc.Config.Name, d.desc.Addr)
}

// ChipID reads the chip identification registers.
func (d *Dev) ChipID() (uint16, error) {
	id, err := d.c.ReadUint16(d.desc.ChipIDReg)
	if err != nil {
		return 0, errors.Wrapf(err, "sensor: %s chip ID", d.desc.Config.Name)
	}
	return id, nil
}

// Config implements cameric.Sensor.
func (d *Dev) Config() (cameric.SensorConfig, error) {
	return d.desc.Config, nil
}

// SetStreaming starts or stops the sensor output.
func (d *Dev) SetStreaming(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.desc.StreamOff
	if on {
		v = d.desc.StreamOn
	}
	if err := d.c.WriteUint8(d.desc.StreamReg, v); err != nil {
		return errors.Wrapf(err, "sensor: %s streaming", d.desc.Config.Name)
	}
	d.streaming = on
	return nil
}

// Streaming returns the last state set with SetStreaming().
func (d *Dev) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Halt stops the output and powers the sensor down.
func (d *Dev) Halt() error {
	err := d.SetStreaming(false)
	if d.pwdn != nil {
		if err2 := d.pwdn.Out(gpio.High); err == nil {
			err = err2
		}
	}
	return err
}

var _ cameric.Sensor = &Dev{}
