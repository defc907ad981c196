package cloudsync

import (
	"time"

	"tasksync/internal/models"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
	StateError   State = "error"
)

type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerVisible      Trigger = "visible"
	TriggerTimer        Trigger = "timer"
	TriggerExplicit     Trigger = "explicit"
	TriggerLocalChange  Trigger = "local-change"
	TriggerRemoteChange Trigger = "remote-change"
	TriggerStartup      Trigger = "startup"
	triggerDeferred     Trigger = "deferred"
)

// Status is the snapshot published to subscribers on every transition.
type Status struct {
	State      State                      `json:"state"`
	Enabled    bool                       `json:"enabled"`
	LastSyncAt models.Optional[time.Time] `json:"lastSyncAt"`
	LastError  string                     `json:"lastError,omitempty"`
}
