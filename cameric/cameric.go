// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cameric describes the CamerIC image signal processor as seen by
// the control layers: the per chain driver, its sub-blocks, the sensors and
// the auto-algorithms.
//
// Only narrow contracts live here. camerictest implements all of them in
// memory; a hardware backed implementation maps them onto registers.
//
// Events flow back through typed observers. Every observer slot accepts a
// single listener; registering a second one returns Busy.
package cameric

import (
	"fmt"
	"image"
)

// Chain selects one sensor to ISP pipeline.
type Chain int

// Valid values for Chain.
const (
	Master Chain = 0
	Slave  Chain = 1
)

// Mode is the operating mode of an engine.
type Mode int

// Valid values for Mode.
const (
	ModeInvalid         Mode = 0
	ModeSensor2D        Mode = 1 // One sensor, one chain.
	ModeSensor2DImgStab Mode = 2 // One sensor, second chain crops for stabilization.
	ModeSensor3D        Mode = 3 // Two sensors, two chains.
	ModeImageProcessing Mode = 4 // Picture injected from memory through DMA.
)

func (m Mode) String() string {
	switch m {
	case ModeSensor2D:
		return "Sensor2D"
	case ModeSensor2DImgStab:
		return "Sensor2DImgStab"
	case ModeSensor3D:
		return "Sensor3D"
	case ModeImageProcessing:
		return "ImageProcessing"
	default:
		return "Invalid"
	}
}

// TwoChains returns true if the mode drives the slave chain too.
func (m Mode) TwoChains() bool {
	return m == ModeSensor3D || m == ModeSensor2DImgStab
}

// Interface is the pixel interface a sensor is wired to.
type Interface int

// Valid values for Interface.
const (
	Parallel Interface = 0
	Mipi     Interface = 1
	Mipi2    Interface = 2 // Second MIPI receiver.
	Smia     Interface = 3
)

func (i Interface) String() string {
	switch i {
	case Parallel:
		return "Parallel"
	case Mipi:
		return "MIPI"
	case Mipi2:
		return "MIPI_2"
	case Smia:
		return "SMIA"
	default:
		return fmt.Sprintf("Interface(%d)", int(i))
	}
}

// Path is one of the two memory interface output paths.
type Path int

// Valid values for Path.
const (
	MainPath Path = 0 // Full resolution, encoder feed.
	SelfPath Path = 1 // Scaled preview.

	NumPaths = 2
)

func (p Path) String() string {
	if p == MainPath {
		return "main"
	}
	return "self"
}

// DataMode is the format written by a memory interface path.
type DataMode int

// Valid values for DataMode.
const (
	DataDisabled DataMode = 0
	DataYUV444   DataMode = 1
	DataYUV422   DataMode = 2
	DataYUV420   DataMode = 3
	DataYUV400   DataMode = 4
	DataRGB888   DataMode = 5
	DataRGB666   DataMode = 6
	DataRGB565   DataMode = 7
	DataRAW8     DataMode = 8
	DataRAW12    DataMode = 9
	DataJPEG     DataMode = 10
	DataDPCC     DataMode = 11 // Defect pixel cluster correction readout.
)

// IsRaw returns true for the modes bypassing the ISP processing.
func (d DataMode) IsRaw() bool {
	return d == DataRAW8 || d == DataRAW12
}

// IsYUV returns true for the planar and interleaved YCbCr modes.
func (d DataMode) IsYUV() bool {
	return d >= DataYUV444 && d <= DataYUV400
}

// Layout is the memory organization of a path's output.
type Layout int

// Valid values for Layout.
const (
	Planar      Layout = 0
	SemiPlanar  Layout = 1
	Interleaved Layout = 2
)

// PathConfig configures one output path of the memory interface.
type PathConfig struct {
	Mode     DataMode
	Layout   Layout
	Width    int
	Height   int
	DCEnable bool            // Dual cropping.
	DCWindow image.Rectangle // Cropping window when DCEnable is set.
}

// Burst is the memory interface AXI burst length in beats.
type Burst int

// ModuleID selects a measurement or correction block of the ISP.
type ModuleID int

// Valid values for ModuleID.
const (
	Hist ModuleID = iota // Histogram measurement.
	Exp                  // Mean luminance grid measurement.
	Awb                  // White balance measurement.
	Afm                  // Auto focus sharpness measurement.
	Vsm                  // Video stabilization motion vectors.
	Bls                  // Black level subtraction.
	Cac                  // Chromatic aberration correction.
	Lsc                  // Lens shade correction.
	Flt                  // Denoising and sharpening filter.
	Jpe                  // JPEG encoder.

	NumModules
)

var moduleNames = [...]string{"Hist", "Exp", "Awb", "Afm", "Vsm", "Bls", "Cac", "Lsc", "Flt", "Jpe"}

func (m ModuleID) String() string {
	if m >= 0 && m < NumModules {
		return moduleNames[m]
	}
	return fmt.Sprintf("ModuleID(%d)", int(m))
}

// Measures returns true for the blocks that report measurement events.
func (m ModuleID) Measures() bool {
	return m <= Vsm
}

// Subsystem is a bitmask of the lockable auto-algorithms.
type Subsystem uint32

// Valid values for Subsystem.
const (
	LockNone Subsystem = 0
	LockAEC  Subsystem = 1 << 0
	LockAWB  Subsystem = 1 << 1
	LockAF   Subsystem = 1 << 2
	LockAll            = LockAEC | LockAWB | LockAF
)

func (s Subsystem) String() string {
	if s == LockNone {
		return "none"
	}
	out := ""
	for _, n := range []struct {
		b Subsystem
		s string
	}{{LockAEC, "AEC"}, {LockAWB, "AWB"}, {LockAF, "AF"}} {
		if s&n.b != 0 {
			if out != "" {
				out += "|"
			}
			out += n.s
		}
	}
	return out
}
