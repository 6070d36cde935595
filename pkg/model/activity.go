package model

import "time"

// ActivityType enumerates the bootstrap notifications visible to observers.
type ActivityType string

const (
	ActivityDiscovered    ActivityType = "discovered"
	ActivityPhase         ActivityType = "phase"
	ActivityRegistered    ActivityType = "registered"
	ActivityChannelOpened ActivityType = "channel-opened"
	ActivityAnnounced     ActivityType = "announced"
	ActivityReady         ActivityType = "ready"
	ActivityFailed        ActivityType = "failed"
)

// ActivityEvent is the only surface through which peering progress is
// observed. Reason is set for failures, Phase for phase transitions.
type ActivityEvent struct {
	Type       ActivityType `json:"type"`
	PeerPubkey string       `json:"peerPubkey"`
	Phase      string       `json:"phase,omitempty"`
	ChannelID  string       `json:"channelId,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Time       time.Time    `json:"time"`
}
