// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONMap is an opaque JSON object stored in a text column.
// Used for input snapshots, dead-letter context and audit metadata.
type JSONMap map[string]interface{}

// Scan implements the sql.Scanner interface
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan JSONMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// PauseReasons is a JSON-serialized set of pause reasons on a pipeline run.
type PauseReasons []PauseReason

// Scan implements the sql.Scanner interface
func (pr *PauseReasons) Scan(value any) error {
	if value == nil {
		*pr = PauseReasons{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, pr)
	case string:
		return json.Unmarshal([]byte(v), pr)
	default:
		return errors.New("cannot scan PauseReasons from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (pr PauseReasons) Value() (driver.Value, error) {
	if len(pr) == 0 {
		return "[]", nil
	}
	return json.Marshal(pr)
}

// Contains reports whether the reason is already present.
func (pr PauseReasons) Contains(reason PauseReason) bool {
	for _, r := range pr {
		if r == reason {
			return true
		}
	}
	return false
}

// Add appends the reason if absent, preserving set semantics.
func (pr PauseReasons) Add(reason PauseReason) PauseReasons {
	if pr.Contains(reason) {
		return pr
	}
	return append(pr, reason)
}
