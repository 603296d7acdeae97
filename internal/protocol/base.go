// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/specforge/specforge/internal/common"

// Re-export common types so event producers and consumers share one
// metadata shape without importing common directly.
type Metadata = common.Metadata

// Event is re-exported from common.
type Event = common.Event

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion
