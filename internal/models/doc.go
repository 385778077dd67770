// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package models defines the data structures shared across FamilySync.

Model Categories:

1. Location Models:
  - LocationRecord: A family member's last known position from the backend
  - LocationUpdate: An outbound position waiting in the offline queue
  - Location, BatteryState: Readings reported by the host device

2. Family Models:
  - Family, FamilyMember, User, LoginResult
  - CreateFamilyRequest, JoinFamilyRequest, PushLocationRequest: backend request bodies

3. Member Status:
  - MemberStatus: Online state derived from a LocationRecord
  - MemberStatusChange: A transition detected between two polls

4. API Response Models:
  - APIResponse, APIError, Metadata: the local status server envelope

JSON tags use the backend's camelCase field names. Fields that arrive from the
host carry validator tags checked by internal/validation.
*/
package models
