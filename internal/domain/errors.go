package domain

import "errors"

var (
	ErrNoDevice         = errors.New("no capture device")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrShareNotFound    = errors.New("share not found")
	ErrInvalidKind      = errors.New("invalid share kind")
	ErrStale            = errors.New("share context changed during acquisition")
	ErrNoVideoTrack     = errors.New("stream has no video track")
	ErrNotConnected     = errors.New("transport not connected")
	ErrRequestNotFound  = errors.New("share request not found")
	ErrUnknownRoom      = errors.New("no active room")
	ErrUnknownDomain    = errors.New("unknown room domain")
	ErrRateLimited      = errors.New("too many requests")
	ErrTrackNotFound    = errors.New("media track not found")
)
