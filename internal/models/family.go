// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package models

import "time"

// Family is a location sharing group.
type Family struct {
	ID         string         `json:"id"`
	FamilyGUID string         `json:"familyGuid"`
	Name       string         `json:"name"`
	CreatedBy  string         `json:"createdBy"`
	CreatedAt  time.Time      `json:"createdAt"`
	Members    []FamilyMember `json:"members,omitempty"`
}

// FamilyMember is one user's membership in a family.
type FamilyMember struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	IsAdmin  bool      `json:"isAdmin"`
	Status   string    `json:"status"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
	IsOnline bool      `json:"isOnline"`
}

// User is the authenticated account.
type User struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
	IsOnline bool      `json:"isOnline"`
}

// LoginResult is returned by the backend on a successful login.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// CreateFamilyRequest is the body of a family creation call.
type CreateFamilyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// JoinFamilyRequest is the body of a family join call.
type JoinFamilyRequest struct {
	FamilyGUID string `json:"familyGuid" validate:"required"`
}

// PushLocationRequest is the body of a location update call.
type PushLocationRequest struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
}
