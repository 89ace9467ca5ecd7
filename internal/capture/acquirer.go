package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/dkeye/tradingroom/internal/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type DeviceKind string

const (
	VideoInput DeviceKind = "videoinput"
	AudioInput DeviceKind = "audioinput"
)

type DeviceInfo struct {
	DeviceID string     `json:"device_id"`
	Label    string     `json:"label"`
	Kind     DeviceKind `json:"kind"`
}

type DisplayConstraints struct {
	Resolution  domain.Resolution
	SystemAudio bool
}

type CameraConstraints struct {
	DeviceID   string
	Resolution domain.Resolution
}

// Devices is the OS/browser capture surface. Implementations return
// domain.ErrPermissionDenied or domain.ErrNoDevice (possibly wrapped) when
// the user refuses or the device is gone.
type Devices interface {
	GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*media.Stream, error)
	GetUserMedia(ctx context.Context, c CameraConstraints) (*media.Stream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// VirtualCameraVendors are lowercase label fragments of known virtual
// camera drivers.
var VirtualCameraVendors = []string{
	"virtual",
	"obs",
	"snap camera",
	"manycam",
	"xsplit",
	"mmhmm",
	"camo",
	"ecamm",
	"nvidia broadcast",
	"droidcam",
}

type Acquirer struct {
	devices Devices
	logger  zerolog.Logger
}

func NewAcquirer(devices Devices) *Acquirer {
	return &Acquirer{
		devices: devices,
		logger:  log.With().Str("module", "capture").Logger(),
	}
}

// AcquireDisplay requests a screen capture. The resolution is advisory.
func (a *Acquirer) AcquireDisplay(ctx context.Context, res domain.Resolution, withSystemAudio bool) (*media.Stream, error) {
	res = normalize(res)
	stream, err := a.devices.GetDisplayMedia(ctx, DisplayConstraints{Resolution: res, SystemAudio: withSystemAudio})
	if err != nil {
		a.logger.Warn().Err(err).Msg("display capture failed")
		return nil, fmt.Errorf("acquire display: %w", err)
	}
	a.logger.Info().
		Str("stream", stream.ID()).
		Int("width", res.Width).
		Int("height", res.Height).
		Bool("system_audio", withSystemAudio).
		Msg("display acquired")
	return stream, nil
}

// AcquireVirtualCamera opens the camera whose label contains labelHint,
// else a known virtual camera, else the first camera.
func (a *Acquirer) AcquireVirtualCamera(ctx context.Context, labelHint string, res domain.Resolution) (*media.Stream, error) {
	cams, err := a.cameras(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire virtual camera: %w", err)
	}
	dev, ok := SelectCamera(cams, labelHint)
	if !ok {
		return nil, fmt.Errorf("acquire virtual camera: %w", domain.ErrNoDevice)
	}
	stream, err := a.devices.GetUserMedia(ctx, CameraConstraints{DeviceID: dev.DeviceID, Resolution: normalize(res)})
	if err != nil {
		a.logger.Warn().Err(err).Str("device", dev.Label).Msg("camera capture failed")
		return nil, fmt.Errorf("acquire virtual camera %q: %w", dev.Label, err)
	}
	a.logger.Info().Str("stream", stream.ID()).Str("device", dev.Label).Msg("camera acquired")
	return stream, nil
}

// DiscoverVirtualCameras lists cameras matching the vendor heuristic.
func (a *Acquirer) DiscoverVirtualCameras(ctx context.Context) ([]DeviceInfo, error) {
	cams, err := a.cameras(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(cams))
	for _, c := range cams {
		if IsVirtualCamera(c.Label) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (a *Acquirer) cameras(ctx context.Context) ([]DeviceInfo, error) {
	all, err := a.devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	cams := make([]DeviceInfo, 0, len(all))
	for _, d := range all {
		if d.Kind == VideoInput {
			cams = append(cams, d)
		}
	}
	return cams, nil
}

func SelectCamera(cams []DeviceInfo, labelHint string) (DeviceInfo, bool) {
	if len(cams) == 0 {
		return DeviceInfo{}, false
	}
	if hint := strings.ToLower(strings.TrimSpace(labelHint)); hint != "" {
		for _, c := range cams {
			if strings.Contains(strings.ToLower(c.Label), hint) {
				return c, true
			}
		}
	}
	for _, c := range cams {
		if IsVirtualCamera(c.Label) {
			return c, true
		}
	}
	return cams[0], true
}

func IsVirtualCamera(label string) bool {
	l := strings.ToLower(label)
	for _, v := range VirtualCameraVendors {
		if strings.Contains(l, v) {
			return true
		}
	}
	return false
}

func normalize(res domain.Resolution) domain.Resolution {
	if res.Width <= 0 || res.Height <= 0 {
		res.Width, res.Height = domain.DefaultResolution.Width, domain.DefaultResolution.Height
	}
	if res.FrameRate <= 0 {
		res.FrameRate = domain.DefaultResolution.FrameRate
	}
	return res
}
