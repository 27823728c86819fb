// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// camengine-query identifies the image sensor over I²C and prints what it
// reports.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/maruel/go-cameric/sensor"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

type options struct {
	i2cName  string
	i2cHz    physic.Frequency
	pwdnName string
	halt     bool
}

func parseArgs(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("camengine-query", flag.ContinueOnError)
	fs.StringVar(&o.i2cName, "i2c", "", "I²C bus to use")
	fs.Var(&o.i2cHz, "hz", "I²C bus speed, e.g. 400kHz")
	fs.StringVar(&o.pwdnName, "pwdn", "", "sensor power down pin, if wired")
	fs.BoolVar(&o.halt, "halt", false, "power the sensor down afterward")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Args())
	}
	return o, nil
}

// setSpeed leaves the bus speed alone when f is 0.
func setSpeed(b i2c.Bus, f physic.Frequency) error {
	if f == 0 {
		return nil
	}
	return b.SetSpeed(f)
}

func mainImpl() error {
	o, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	i2cBus, err := i2creg.Open(o.i2cName)
	if err != nil {
		return err
	}
	defer i2cBus.Close()
	if err := setSpeed(i2cBus, o.i2cHz); err != nil {
		return err
	}
	var pwdn gpio.PinOut
	if o.pwdnName != "" {
		p := gpioreg.ByName(o.pwdnName)
		if p == nil {
			return fmt.Errorf("unknown pin %q", o.pwdnName)
		}
		pwdn = p
	}
	dev, err := sensor.Detect(i2cBus, pwdn)
	if err != nil {
		return err
	}
	id, err := dev.ChipID()
	if err != nil {
		return err
	}
	cfg, err := dev.Config()
	if err != nil {
		return err
	}
	fmt.Printf("Sensor:     %s\n", dev)
	fmt.Printf("ChipID:     0x%04X\n", id)
	fmt.Printf("Interface:  %s\n", cfg.Interface)
	fmt.Printf("Mode:       %s\n", cfg.Mode)
	fmt.Printf("Bayer:      %s\n", cfg.Acq.Bayer)
	fmt.Printf("InputBits:  %d\n", cfg.Acq.InputBits)
	fmt.Printf("Window:     %s\n", cfg.Window)
	fmt.Printf("SOC:        %t\n", cfg.SOC)
	fmt.Printf("Color:      %t\n", cfg.Color)
	if o.halt {
		return dev.Halt()
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\ncamengine-query: %s.\n", err)
		os.Exit(1)
	}
}
