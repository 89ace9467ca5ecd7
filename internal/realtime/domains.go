package realtime

import "github.com/dkeye/tradingroom/internal/domain"

// Server event names per domain.
const (
	EventMessageCreated     = "message_created"
	EventMessageUpdated     = "message_updated"
	EventMessageDeleted     = "message_deleted"
	EventMessagePinned      = "message_pinned"
	EventMessageUnpinned    = "message_unpinned"
	EventMessageOffTopic    = "message_off_topic"
	EventAlertCreated       = "alert_created"
	EventAlertUpdated       = "alert_updated"
	EventAlertDeleted       = "alert_deleted"
	EventAlertMediaUploaded = "alert_media_uploaded"
	EventTrackAdded         = "track_added"
	EventTrackCreated       = "track_created"
	EventTrackUpdated       = "track_updated"
	EventTrackRemoved       = "track_removed"
	EventTrackDeleted       = "track_deleted"
	EventTracksCleanedUp    = "tracks_cleaned_up"
	EventPollCreated        = "poll_created"
	EventPollUpdated        = "poll_updated"
	EventPollClosed         = "poll_closed"
	EventPollDeleted        = "poll_deleted"
	EventPollVoteCast       = "poll_vote_cast"
)

func ChatVerbs() map[string]Verb[domain.ChatMessage] {
	return map[string]Verb[domain.ChatMessage]{
		EventMessageCreated:  {Action: ActionInsert},
		EventMessageUpdated:  {Action: ActionMerge},
		EventMessageDeleted:  {Action: ActionRemove},
		EventMessagePinned:   {Action: ActionMerge, Apply: pin},
		EventMessageUnpinned: {Action: ActionMerge, Apply: unpin},
		EventMessageOffTopic: {Action: ActionMerge, Apply: markOffTopic},
	}
}

func AlertVerbs() map[string]Verb[domain.Alert] {
	return map[string]Verb[domain.Alert]{
		EventAlertCreated:       {Action: ActionInsert},
		EventAlertUpdated:       {Action: ActionMerge},
		EventAlertDeleted:       {Action: ActionRemove},
		EventAlertMediaUploaded: {Action: ActionMerge},
	}
}

func TrackVerbs() map[string]Verb[domain.MediaTrack] {
	return map[string]Verb[domain.MediaTrack]{
		EventTrackAdded:      {Action: ActionInsert},
		EventTrackCreated:    {Action: ActionInsert},
		EventTrackUpdated:    {Action: ActionMerge},
		EventTrackRemoved:    {Action: ActionRemove},
		EventTrackDeleted:    {Action: ActionRemove},
		EventTracksCleanedUp: {Action: ActionCleanup},
	}
}

func PollVerbs() map[string]Verb[domain.Poll] {
	return map[string]Verb[domain.Poll]{
		EventPollCreated: {Action: ActionInsert},
		EventPollUpdated: {Action: ActionMerge},
		EventPollDeleted: {Action: ActionRemove},
		// close and vote payloads reference the poll by poll_id
		EventPollClosed:   {Action: ActionApply, IDField: "poll_id", Apply: closePoll},
		EventPollVoteCast: {Action: ActionApply, IDField: "poll_id", Apply: countVote},
	}
}

func pin(m *domain.ChatMessage)          { m.IsPinned = true }
func unpin(m *domain.ChatMessage)        { m.IsPinned = false }
func markOffTopic(m *domain.ChatMessage) { m.IsOffTopic = true }
func closePoll(p *domain.Poll)           { p.Status = domain.PollClosed }
func countVote(p *domain.Poll)           { p.TotalVotes++ }

// trackComplete reports whether a track payload carries the fields a
// registration always has.
func trackComplete(t domain.MediaTrack) bool {
	return t.TrackID != "" && t.UserID != ""
}
