//go:build !linux

package v4l2

import (
	"context"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/utils"
)

// NewSource always fails since V4L2 only exists on linux.
func NewSource(ctx context.Context, conf Config, logger logging.Logger) (camera.Source, error) {
	if err := conf.Validate("attributes"); err != nil {
		return nil, err
	}
	return nil, utils.NewDeviceUnavailableError("v4l2 sources are only supported on linux")
}
