// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"encoding/json"
	"fmt"
)

// The status enums are stored as integers but cross the API as their string
// forms; the integer encoding is a storage detail.

func (s PipelineRunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *PipelineRunStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for candidate := PipelineRunStatusPending; candidate <= PipelineRunStatusCancelled; candidate++ {
		if candidate.String() == v {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline run status %q", v)
}

func (s StepRunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *StepRunStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for candidate := StepRunStatusPending; candidate <= StepRunStatusCancelled; candidate++ {
		if candidate.String() == v {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown step run status %q", v)
}

func (ts TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

func (ts *TaskStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for candidate := TaskStatusPending; candidate <= TaskStatusFailed; candidate++ {
		if candidate.String() == v {
			*ts = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", v)
}
