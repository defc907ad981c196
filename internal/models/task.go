package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type Section string

const (
	SectionToday    Section = "today"
	SectionThisWeek Section = "this-week"
	SectionSoon     Section = "soon"
	SectionSomeday  Section = "someday"
)

var Sections = []Section{SectionToday, SectionThisWeek, SectionSoon, SectionSomeday}

func (s Section) Valid() bool {
	switch s {
	case SectionToday, SectionThisWeek, SectionSoon, SectionSomeday:
		return true
	}
	return false
}

func ParseSection(v string) (Section, error) {
	s := Section(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid section %q", v)
	}
	return s, nil
}

// Task is the unit of synchronization. LocalID and LastSyncedAt never leave the device.
type Task struct {
	LocalID         int64               `json:"localId"`
	SyncID          string              `json:"syncId"`
	DeviceID        string              `json:"deviceId"`
	Title           string              `json:"title"`
	Description     Optional[string]    `json:"description"`
	Status          Status              `json:"status"`
	Section         Section             `json:"section"`
	Order           int                 `json:"order"`
	OriginalSection Optional[Section]   `json:"originalSection"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	DueDate         Optional[time.Time] `json:"dueDate"`
	DeletedAt       Optional[time.Time] `json:"deletedAt"`
	LastSyncedAt    Optional[time.Time] `json:"lastSyncedAt"`
}

// EffectiveAt is the timestamp used for conflict comparison: the tombstone if
// present, otherwise the last modification.
func (t Task) EffectiveAt() time.Time {
	if d, ok := t.DeletedAt.Get(); ok {
		return d
	}
	return t.UpdatedAt
}

func (t Task) Deleted() bool {
	return t.DeletedAt.IsSet()
}
