// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package models

import (
	"fmt"
	"time"
)

// MemberStatus is the presence of one family member as of the latest poll.
type MemberStatus struct {
	UserID           string    `json:"userId"`
	UserName         string    `json:"userName"`
	IsOnline         bool      `json:"isOnline"`
	LastSeen         time.Time `json:"lastSeen"`
	MinutesSinceSeen int       `json:"minutesSinceSeen"`
}

// StatusChangeType identifies a member presence transition.
type StatusChangeType string

// Presence transitions detected between two polls.
const (
	StatusCameOnline     StatusChangeType = "came_online"
	StatusWentOffline    StatusChangeType = "went_offline"
	StatusBecameActive   StatusChangeType = "became_active"
	StatusBecameInactive StatusChangeType = "became_inactive"
)

// Presence labels used in MemberStatusChange.
const (
	PresenceOnline   = "online"
	PresenceOffline  = "offline"
	PresenceActive   = "active"
	PresenceInactive = "inactive"
)

// MemberStatusChange describes a transition detected for one member.
type MemberStatusChange struct {
	UserID         string           `json:"userId"`
	UserName       string           `json:"userName"`
	PreviousStatus string           `json:"previousStatus"`
	NewStatus      string           `json:"newStatus"`
	ChangeType     StatusChangeType `json:"changeType"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Message renders the change as a short notification line.
func (c MemberStatusChange) Message() string {
	name := c.UserName
	if name == "" {
		name = "Member " + c.UserID
	}

	switch c.ChangeType {
	case StatusCameOnline:
		return fmt.Sprintf("%s is now online", name)
	case StatusWentOffline:
		return fmt.Sprintf("%s went offline", name)
	case StatusBecameActive:
		return fmt.Sprintf("%s is active again", name)
	case StatusBecameInactive:
		return fmt.Sprintf("%s is inactive", name)
	default:
		return fmt.Sprintf("%s changed status: %s -> %s", name, c.PreviousStatus, c.NewStatus)
	}
}
