package domain

import (
	"encoding/json"
	"time"
)

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

type ChatMessage struct {
	ID          string      `json:"id"`
	RoomID      RoomID      `json:"room_id"`
	UserID      string      `json:"user_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	IsPinned    bool        `json:"is_pinned"`
	IsOffTopic  bool        `json:"is_off_topic"`
	IsDeleted   bool        `json:"is_deleted"`
	DisplayName string      `json:"display_name,omitempty"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (m ChatMessage) EntityID() string { return m.ID }

type AlertType string

const (
	AlertBuy     AlertType = "buy"
	AlertSell    AlertType = "sell"
	AlertInfo    AlertType = "info"
	AlertWarning AlertType = "warning"
)

type Alert struct {
	ID              string    `json:"id"`
	RoomID          RoomID    `json:"room_id"`
	AuthorID        string    `json:"author_id"`
	Title           string    `json:"title"`
	Body            string    `json:"body,omitempty"`
	AlertType       AlertType `json:"alert_type"`
	TickerSymbol    string    `json:"ticker_symbol,omitempty"`
	EntryPrice      *float64  `json:"entry_price,omitempty"`
	StopLoss        *float64  `json:"stop_loss,omitempty"`
	TakeProfit      *float64  `json:"take_profit,omitempty"`
	MediaURL        string    `json:"media_url,omitempty"`
	LegalDisclosure string    `json:"legal_disclosure,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

func (a Alert) EntityID() string { return a.ID }

type TrackType string

const (
	TrackAudio  TrackType = "audio"
	TrackVideo  TrackType = "video"
	TrackScreen TrackType = "screen"
)

// MediaTrack is the server-side registration of a published track.
type MediaTrack struct {
	ID        string          `json:"id"`
	RoomID    RoomID          `json:"room_id"`
	UserID    string          `json:"user_id"`
	TrackID   string          `json:"track_id"`
	TrackType TrackType       `json:"track_type"`
	IsActive  bool            `json:"is_active"`
	Muted     bool            `json:"muted,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (t MediaTrack) EntityID() string { return t.ID }

// LocalTrack is a track this client publishes and registers with the
// backend.
type LocalTrack struct {
	ID       string
	Type     TrackType
	Metadata json.RawMessage
}

type PollStatus string

const (
	PollActive PollStatus = "active"
	PollClosed PollStatus = "closed"
)

type Poll struct {
	ID         string     `json:"id"`
	RoomID     RoomID     `json:"room_id"`
	CreatorID  string     `json:"creator_id"`
	Question   string     `json:"question"`
	Options    []string   `json:"options"`
	Status     PollStatus `json:"status"`
	ClosesAt   *time.Time `json:"closes_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	TotalVotes int64      `json:"total_votes"`
}

func (p Poll) EntityID() string { return p.ID }

// UnmarshalJSON also accepts the backend's user_id and is_closed fields.
// is_closed, when present, decides Status.
func (p *Poll) UnmarshalJSON(b []byte) error {
	type plain Poll
	aux := struct {
		*plain
		UserID   string `json:"user_id"`
		IsClosed *bool  `json:"is_closed"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if p.CreatorID == "" {
		p.CreatorID = aux.UserID
	}
	if aux.IsClosed != nil {
		p.Status = PollActive
		if *aux.IsClosed {
			p.Status = PollClosed
		}
	}
	return nil
}
