// Package domain contains entity without logic, just meta-data
package domain

import (
	"fmt"
	"strings"
)

type RoomID string

// Domain is a room-scoped realtime channel family.
type Domain string

const (
	DomainChat   Domain = "chat"
	DomainAlerts Domain = "alerts"
	DomainTracks Domain = "tracks"
	DomainPolls  Domain = "polls"
)

// Domains lists every channel family a room client subscribes to.
var Domains = []Domain{DomainChat, DomainAlerts, DomainTracks, DomainPolls}

// ChannelName builds "room:{roomId}:{domain}".
func ChannelName(room RoomID, d Domain) string {
	return fmt.Sprintf("room:%s:%s", room, d)
}

// ParseChannel is the inverse of ChannelName.
func ParseChannel(channel string) (RoomID, Domain, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "room" || parts[1] == "" {
		return "", "", false
	}
	d := Domain(parts[2])
	for _, known := range Domains {
		if d == known {
			return RoomID(parts[1]), d, true
		}
	}
	return "", "", false
}
