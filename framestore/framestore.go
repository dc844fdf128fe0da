// Package framestore lays out captured depth and color frames in a dump file.
//
// The layout is
//
//	/INFORMATION/DEPTH_SENSOR/{WIDTH,HEIGHT,FX,FY}
//	/INFORMATION/COLOR_SENSOR/{WIDTH,HEIGHT,FX,FY}
//	/FRAME000000/DEPTH   uint16 [height, width]
//	/FRAME000000/COLOR   uint8  [height, width, 3]
//	/FRAME000001/...
//
// Frames are numbered from zero without gaps and each frame is committed atomically.
package framestore

import (
	"fmt"

	"go.viam.com/depthcapture/components/camera"
)

// Group and object names.
const (
	InformationGroup = "/INFORMATION"
	DepthSensorGroup = InformationGroup + "/DEPTH_SENSOR"
	ColorSensorGroup = InformationGroup + "/COLOR_SENSOR"

	WidthName  = "WIDTH"
	HeightName = "HEIGHT"
	FocalXName = "FX"
	FocalYName = "FY"

	DepthName = "DEPTH"
	ColorName = "COLOR"

	framePrefix = "FRAME"
)

// FrameGroup returns the group holding frame index.
func FrameGroup(index int) string {
	return fmt.Sprintf("/%s%06d", framePrefix, index)
}

func sensorGroup(kind camera.StreamKind) string {
	if kind == camera.DepthStream {
		return DepthSensorGroup
	}
	return ColorSensorGroup
}

func depthDims(desc camera.StreamDescriptor) []uint64 {
	return []uint64{uint64(desc.Height), uint64(desc.Width)}
}

func colorDims(desc camera.StreamDescriptor) []uint64 {
	return []uint64{uint64(desc.Height), uint64(desc.Width), 3}
}
