// Package usageevents keeps the usage cache in step with entity lifecycle
// changes. The sink subscribes to the pubsub channels below, turns each
// state transition into signed counter deltas and applies them through the
// cache's atomic scripts.
package usageevents

import (
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/boxgrid/boxgrid/boxgridd/database"
)

// Pubsub channels the sink subscribes to. Producers are the lifecycle
// engine; payloads are the JSON events below.
const (
	ChannelSandboxCreated       = "sandbox:created"
	ChannelSandboxStateUpdated  = "sandbox:state_updated"
	ChannelSnapshotCreated      = "snapshot:created"
	ChannelSnapshotStateUpdated = "snapshot:state_updated"
	ChannelVolumeCreated        = "volume:created"
	ChannelVolumeStateUpdated   = "volume:state_updated"
)

// SandboxCreatedEvent announces a new sandbox. Its resources are counted
// unconditionally; a just-created sandbox is assumed to be consuming.
type SandboxCreatedEvent struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	CPU            int64  `json:"cpu"`
	Memory         int64  `json:"memory"`
	Disk           int64  `json:"disk"`
}

// SandboxStateUpdatedEvent carries both sides of a transition so the sink
// can compute membership deltas against the consume-sets.
type SandboxStateUpdatedEvent struct {
	ID             string                `json:"id"`
	OrganizationID string                `json:"organization_id"`
	CPU            int64                 `json:"cpu"`
	Memory         int64                 `json:"memory"`
	Disk           int64                 `json:"disk"`
	OldState       database.SandboxState `json:"old_state"`
	NewState       database.SandboxState `json:"new_state"`
}

type SnapshotCreatedEvent struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	State          database.SnapshotState `json:"state"`
}

type SnapshotStateUpdatedEvent struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	OldState       database.SnapshotState `json:"old_state"`
	NewState       database.SnapshotState `json:"new_state"`
}

type VolumeCreatedEvent struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	State          database.VolumeState `json:"state"`
}

type VolumeStateUpdatedEvent struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	OldState       database.VolumeState `json:"old_state"`
	NewState       database.VolumeState `json:"new_state"`
}

// Publish marshals the event and publishes it on the channel. Producers
// use it so payload encoding stays in one place.
func Publish(ps database.Pubsub, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Errorf("marshal %s event: %w", channel, err)
	}
	err = ps.Publish(channel, payload)
	if err != nil {
		return xerrors.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
