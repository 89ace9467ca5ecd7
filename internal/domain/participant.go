package domain

import "time"

type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleViewer    Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleModerator, RoleViewer:
		return true
	}
	return false
}

// CanModerate reports whether the role may approve share requests.
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleModerator
}

type Participant struct {
	ID         string `json:"id"`
	Role       Role   `json:"role"`
	AudioMuted bool   `json:"audio_muted"`
	VideoMuted bool   `json:"video_muted"`
}

type ShareKind string

const (
	ShareDisplay       ShareKind = "display"
	ShareVirtualCamera ShareKind = "virtual-camera"
)

func (k ShareKind) Valid() bool {
	return k == ShareDisplay || k == ShareVirtualCamera
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// ShareRequest moves pending -> approved|denied exactly once and stays
// until the requester clears it.
type ShareRequest struct {
	ID            string        `json:"id"`
	ParticipantID string        `json:"participant_id"`
	Kind          ShareKind     `json:"kind"`
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Resolution is advisory: the capture backend may not honor it exactly.
type Resolution struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

var DefaultResolution = Resolution{Width: 1920, Height: 1080, FrameRate: 30}

func (r Resolution) IsZero() bool { return r == Resolution{} }
