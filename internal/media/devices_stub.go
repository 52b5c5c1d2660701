//go:build !devices

package media

import (
	"context"
	"fmt"
	"log/slog"
)

// DeviceSource is unavailable without the devices build tag, which pulls in
// the cgo encoders and capture drivers.
type DeviceSource struct{}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	return nil, fmt.Errorf("%w: built without device capture (use -tags devices)", ErrMediaUnavailable)
}

func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	return nil, fmt.Errorf("%w: built without device capture", ErrMediaUnavailable)
}
