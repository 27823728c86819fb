// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cameric

import (
	"fmt"
	"image"
	"io"

	"github.com/maruel/go-cameric/mediabuf"
)

// Hardware opens the driver instance of a chain.
type Hardware interface {
	OpenDriver(c Chain) (Driver, error)
}

// Driver controls one CamerIC instance.
//
// CaptureFrames() and StopInput() return nil when the request was accepted;
// the outcome is reported later to the CommandObserver passed along.
type Driver interface {
	io.Closer

	Chain() Chain                                 // Chain returns which pipeline this driver controls.
	Start() error                                 // Start starts the ISP and its output paths.
	Stop() error                                  // Stop stops the ISP.
	ResumeEvents() error                          // ResumeEvents re-enables the ISP interrupts.
	SetIfSelect(i Interface) error                // SetIfSelect routes the pixel interface into the ISP.
	SetInputSwap(swap bool) error                 // SetInputSwap swaps the bytes of each input sample.
	CaptureFrames(n int, o CommandObserver) error // CaptureFrames captures n frames, 0 means until StopInput.
	StopInput(o CommandObserver) error            // StopInput stops the acquisition at the next frame boundary.
	Isp() Isp                                     //
	Mi() Mi                                       //
	Module(id ModuleID) Module                    //
	Jpe() JpeEncoder                              //
	Dma() Dma                                     //
	OpenMipi(i Interface) (MipiReceiver, error)   // OpenMipi allocates the MIPI receiver i.
}

// DriverCommand identifies an asynchronous driver request.
type DriverCommand int

// Valid values for DriverCommand.
const (
	CmdCaptureFrames DriverCommand = 0
	CmdStopInput     DriverCommand = 1
)

func (d DriverCommand) String() string {
	if d == CmdCaptureFrames {
		return "CaptureFrames"
	}
	return "StopInput"
}

// CommandObserver receives the completion of CaptureFrames() and
// StopInput(). It is called from the driver's interrupt context.
type CommandObserver interface {
	CommandDone(c Chain, cmd DriverCommand, err error)
}

// FrameObserver is told each time the ISP finished outputting a frame.
type FrameObserver interface {
	FrameOut(c Chain)
}

// Measurement is the data reported by a measuring module for one frame.
type Measurement struct {
	Chain  Chain
	Module ModuleID
	Frame  uint64
	Values []uint32    // Bins, grid means or sharpness values.
	Motion image.Point // Displacement vector, Vsm only.
}

// MeasureObserver receives measurement events.
type MeasureObserver interface {
	Measured(m Measurement)
}

// Module is the uniform shape of every ISP sub-block.
//
// Configure() takes a module specific configuration opaque to the control
// layers.
type Module interface {
	Enable() error
	Disable() error
	IsEnabled() (bool, error)
	Configure(cfg interface{}) error
	RegisterEventCb(o MeasureObserver) error
	DeregisterEventCb() error
}

// IspMode is the kind of data fed into the ISP.
type IspMode int

// Valid values for IspMode.
const (
	IspRaw      IspMode = 0 // Bypass, data stored as is.
	IspBayerRGB IspMode = 1
	IspBT601    IspMode = 2 // YCbCr with separate syncs.
	IspBT656    IspMode = 3 // YCbCr with embedded syncs.
	IspTest     IspMode = 4 // Internal test pattern.
)

var ispModeNames = [...]string{"Raw", "BayerRGB", "BT601", "BT656", "Test"}

func (m IspMode) String() string {
	if m >= 0 && int(m) < len(ispModeNames) {
		return ispModeNames[m]
	}
	return fmt.Sprintf("IspMode(%d)", int(m))
}

// BayerPattern is the color filter array order of the first line.
type BayerPattern int

// Valid values for BayerPattern.
const (
	RGGB BayerPattern = 0
	GRBG BayerPattern = 1
	GBRG BayerPattern = 2
	BGGR BayerPattern = 3
)

func (b BayerPattern) String() string {
	switch b {
	case RGGB:
		return "RGGB"
	case GRBG:
		return "GRBG"
	case GBRG:
		return "GBRG"
	case BGGR:
		return "BGGR"
	default:
		return fmt.Sprintf("BayerPattern(%d)", int(b))
	}
}

// AcqProperties describe the electrical format of the sensor output.
type AcqProperties struct {
	FallingEdge bool // Sample on the falling pixel clock edge.
	HSyncLow    bool
	VSyncLow    bool
	Bayer       BayerPattern
	Subsampling bool // 4:2:2 to 4:4:4 conversion by pixel repeat.
	YCSequence  int  // CCIR sequence, 0 is YCbYCr.
	Fields      int  // Field selection, 0 is both.
	InputBits   int  // 8, 10 or 12.
}

// Isp is the ISP core of a CamerIC instance.
type Isp interface {
	SetMode(m IspMode) error
	SetAcqProperties(p AcqProperties) error
	SetAcqResolution(acq, out, is image.Rectangle) error
	SetDemosaic(bypass bool, threshold uint8) error
	SetCrossTalk(c CrossTalk) error
	SetWbGains(g WbGains) error
	SetBlackLevel(b BlackLevel) error
	RegisterEventCb(o FrameObserver) error
	DeregisterEventCb() error
}

// CrossTalk is the color correction matrix and offset.
type CrossTalk struct {
	Matrix [9]float32
	Offset [3]int16
}

// IdentityCrossTalk leaves the colors untouched.
var IdentityCrossTalk = CrossTalk{Matrix: [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}}

// WbGains are the white balance gains per Bayer channel.
type WbGains struct {
	Red, GreenR, GreenB, Blue float32
}

// UnityWbGains leaves the colors untouched.
var UnityWbGains = WbGains{1, 1, 1, 1}

// BlackLevel is subtracted per Bayer channel.
type BlackLevel struct {
	A, B, C, D uint16
}

// BufferEvent is reported by the memory interface for each buffer.
type BufferEvent int

// Valid values for BufferEvent.
const (
	BufferFull    BufferEvent = 0 // The hardware finished writing the buffer.
	BufferFlushed BufferEvent = 1 // Returned unused, typically on stop.
	BufferDropped BufferEvent = 2 // A frame was lost, no buffer involved.
)

func (b BufferEvent) String() string {
	switch b {
	case BufferFull:
		return "full"
	case BufferFlushed:
		return "flushed"
	default:
		return "dropped"
	}
}

// BufferRequester hands empty buffers to the memory interface.
//
// RequestBuffer is called synchronously from the driver context and must not
// block. NotAvailable makes the driver drop the frame.
type BufferRequester interface {
	RequestBuffer(p Path) (*mediabuf.Buffer, error)
}

// BufferObserver receives buffers back from the memory interface.
type BufferObserver interface {
	BufferEvent(ev BufferEvent, p Path, b *mediabuf.Buffer)
}

// Mi is the memory interface writing frames to buffers.
type Mi interface {
	SetPath(p Path, c PathConfig) error
	SetBurst(main, self Burst) error
	RegisterRequestCb(r BufferRequester) error
	DeregisterRequestCb() error
	RegisterEventCb(o BufferObserver) error
	DeregisterEventCb() error
}

// MipiReceiver is a MIPI CSI-2 receiver.
type MipiReceiver interface {
	io.Closer
	Start() error
	Stop() error
}

// JpeObserver receives the JPEG header generation outcome.
type JpeObserver interface {
	HeaderGenerated(err error)
}

// JpeEncoder is the JPEG encoder.
type JpeEncoder interface {
	Module
	GenerateHeader(o JpeObserver) error
	StartContinuous() error
	StopContinuous() error
}

// DmaConfig describes a picture read from memory.
type DmaConfig struct {
	Format mediabuf.Format
	Window image.Rectangle
}

// DmaObserver receives the end of a picture transfer.
type DmaObserver interface {
	DmaFinished(err error)
}

// Dma feeds a picture from memory into the ISP.
type Dma interface {
	Configure(c DmaConfig) error
	LoadPicture(b *mediabuf.Buffer, o DmaObserver) error
}

// SensorConfig is what the control layers need to know about a sensor.
type SensorConfig struct {
	Name        string
	Interface   Interface
	Mode        IspMode
	Acq         AcqProperties
	Window      image.Rectangle // Active pixel array output.
	SOC         bool            // Has its own ISP; CamerIC only stores data.
	Color       bool            // Has a color filter array.
	TestPattern bool            // Outputs its internal test pattern.
}

// Sensor is an image sensor attached to a chain.
type Sensor interface {
	Config() (SensorConfig, error)
}
