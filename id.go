package loom

import "github.com/loomery/loom/id"

// ID is the primary identifier type for all Loom entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
