// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"image"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/mediabuf"
)

// StartConfig describes what the engine is set up for by Start().
type StartConfig struct {
	Mode   cameric.Mode
	Sensor SensorConfig // Sensor modes.
	Image  ImageConfig  // ModeImageProcessing.

	// Master and Slave configure the memory interface paths of each chain.
	// Slave is used in ModeSensor3D and ModeSensor2DImgStab.
	Master [cameric.NumPaths]cameric.PathConfig
	Slave  [cameric.NumPaths]cameric.PathConfig

	// Buffers is the number of frame buffers per path. 0 means
	// DefaultBuffers.
	Buffers [cameric.NumPaths]int
	// BufferSize is the size of each frame buffer per path. 0 means large
	// enough for the path at 2 bytes per pixel.
	BufferSize [cameric.NumPaths]int
}

// DefaultBuffers is the default number of frame buffers per path.
const DefaultBuffers = 4

// SensorConfig is the sensor part of a StartConfig.
type SensorConfig struct {
	Sensor    cameric.Sensor // Required.
	Slave     cameric.Sensor // Required in ModeSensor3D.
	Interface cameric.Interface

	// Acq is the acquisition window. Empty means the sensor window.
	Acq image.Rectangle
	// Out is the ISP output window. Empty means Acq.
	Out image.Rectangle
	// IS is the image stabilization output window. Empty means Out.
	IS image.Rectangle
	// ISCrop is the window cropped by the master chain in
	// ModeSensor2DImgStab. Empty means Out.
	ISCrop image.Rectangle
	// TestPattern configures the chain for the sensor test pattern.
	TestPattern bool
}

// ImageConfig is the memory input part of a StartConfig.
type ImageConfig struct {
	// Buffer holds the picture to process. Its Meta must be set. Required.
	Buffer *mediabuf.Buffer

	// All required.
	WbGains    *cameric.WbGains
	CcMatrix   *[9]float32
	CcOffset   *[3]int16
	BlackLevel *cameric.BlackLevel
}

// window returns the picture size as a rectangle.
func (i *ImageConfig) window() image.Rectangle {
	if i.Buffer == nil {
		return image.Rectangle{}
	}
	return image.Rect(0, 0, i.Buffer.Meta.Width, i.Buffer.Meta.Height)
}

func or(r, def image.Rectangle) image.Rectangle {
	if r.Empty() {
		return def
	}
	return r
}

// paths returns the path configuration of a logical chain.
func (s *StartConfig) paths(c cameric.Chain) *[cameric.NumPaths]cameric.PathConfig {
	if c == cameric.Slave {
		return &s.Slave
	}
	return &s.Master
}

// miCompatible returns true if the self path may use self while the main path
// uses main.
func miCompatible(main, self cameric.DataMode) bool {
	switch main {
	case cameric.DataDisabled, cameric.DataYUV422, cameric.DataYUV420, cameric.DataJPEG:
		return self == cameric.DataDisabled || self.IsYUV() || self == cameric.DataRGB888 ||
			self == cameric.DataRGB666 || self == cameric.DataRGB565 || self == cameric.DataDPCC
	case cameric.DataDPCC:
		return self == cameric.DataDisabled || self.IsYUV() || self == cameric.DataRGB888 ||
			self == cameric.DataRGB666 || self == cameric.DataRGB565
	case cameric.DataRAW8, cameric.DataRAW12:
		return self == cameric.DataDisabled || self == cameric.DataDPCC
	default:
		return false
	}
}
