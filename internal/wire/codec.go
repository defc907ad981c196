// Package wire converts tasks between their in-memory form and the JSON shape
// exchanged with the sync server.
//
// Every timestamp travels as an RFC 3339 string with nanosecond precision in
// UTC. Optional fields are always emitted; an absent value is written as an
// explicit null so a reader never has to guess whether a field was dropped.
// When decoding, a missing key and a null both mean "no value".
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tasksync/internal/models"
)

// TimeFormat is the layout used for every timestamp on the wire.
const TimeFormat = time.RFC3339Nano

var ErrMalformedWireData = errors.New("malformed wire data")

var errOutOfRange = errors.New("outside the orderable range")

// Effective timestamps are indexed as Unix nanoseconds, so updatedAt and
// deletedAt must fit in an int64 count.
var (
	minOrderable = time.Unix(0, math.MinInt64).UTC()
	maxOrderable = time.Unix(0, math.MaxInt64).UTC()
)

type MalformedError struct {
	Field string
	Value string
	Err   error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed wire data: %s=%q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("malformed wire data: %s=%q", e.Field, e.Value)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedWireData }

// WireTask is the transport form of models.Task. LocalID and LastSyncedAt are
// local bookkeeping and have no wire representation.
type WireTask struct {
	SyncID          string  `json:"syncId" binding:"required"`
	DeviceID        string  `json:"deviceId"`
	Title           string  `json:"title"`
	Description     *string `json:"description"`
	Status          string  `json:"status" binding:"required,oneof=todo in-progress done"`
	Section         string  `json:"section" binding:"required,oneof=today this-week soon someday"`
	Order           int     `json:"order"`
	OriginalSection *string `json:"originalSection"`
	CreatedAt       string  `json:"createdAt" binding:"required"`
	UpdatedAt       string  `json:"updatedAt" binding:"required"`
	DueDate         *string `json:"dueDate"`
	DeletedAt       *string `json:"deletedAt"`
}

func Encode(t models.Task) WireTask {
	w := WireTask{
		SyncID:      t.SyncID,
		DeviceID:    t.DeviceID,
		Title:       t.Title,
		Description: t.Description.Ptr(),
		Status:      string(t.Status),
		Section:     string(t.Section),
		Order:       t.Order,
		CreatedAt:   FormatTime(t.CreatedAt),
		UpdatedAt:   FormatTime(t.UpdatedAt),
		DueDate:     formatOptional(t.DueDate),
		DeletedAt:   formatOptional(t.DeletedAt),
	}
	if s, ok := t.OriginalSection.Get(); ok {
		v := string(s)
		w.OriginalSection = &v
	}
	return w
}

func Decode(w WireTask) (models.Task, error) {
	if w.SyncID == "" {
		return models.Task{}, &MalformedError{Field: "syncId", Value: w.SyncID}
	}
	status := models.Status(w.Status)
	if !status.Valid() {
		return models.Task{}, &MalformedError{Field: "status", Value: w.Status}
	}
	section := models.Section(w.Section)
	if !section.Valid() {
		return models.Task{}, &MalformedError{Field: "section", Value: w.Section}
	}

	createdAt, err := parseRequired("createdAt", w.CreatedAt)
	if err != nil {
		return models.Task{}, err
	}
	updatedAt, err := parseRequired("updatedAt", w.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	dueDate, err := parseOptional("dueDate", w.DueDate)
	if err != nil {
		return models.Task{}, err
	}
	deletedAt, err := parseOptional("deletedAt", w.DeletedAt)
	if err != nil {
		return models.Task{}, err
	}
	if !orderable(updatedAt) {
		return models.Task{}, &MalformedError{Field: "updatedAt", Value: w.UpdatedAt, Err: errOutOfRange}
	}
	if d, ok := deletedAt.Get(); ok && !orderable(d) {
		return models.Task{}, &MalformedError{Field: "deletedAt", Value: *w.DeletedAt, Err: errOutOfRange}
	}

	t := models.Task{
		SyncID:      w.SyncID,
		DeviceID:    w.DeviceID,
		Title:       w.Title,
		Description: models.FromPtr(w.Description),
		Status:      status,
		Section:     section,
		Order:       w.Order,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		DueDate:     dueDate,
		DeletedAt:   deletedAt,
	}
	if w.OriginalSection != nil {
		orig := models.Section(*w.OriginalSection)
		if !orig.Valid() {
			return models.Task{}, &MalformedError{Field: "originalSection", Value: *w.OriginalSection}
		}
		t.OriginalSection = models.Some(orig)
	}
	return t, nil
}

// DecodeAll stops at the first malformed record.
func DecodeAll(in []WireTask) ([]models.Task, error) {
	out := make([]models.Task, 0, len(in))
	for i, w := range in {
		t, err := Decode(w)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, w.SyncID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func ParseTime(v string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func orderable(t time.Time) bool {
	return !t.Before(minOrderable) && !t.After(maxOrderable)
}

func formatOptional(o models.Optional[time.Time]) *string {
	t, ok := o.Get()
	if !ok {
		return nil
	}
	s := FormatTime(t)
	return &s
}

func parseRequired(field, v string) (time.Time, error) {
	t, err := ParseTime(v)
	if err != nil {
		return time.Time{}, &MalformedError{Field: field, Value: v, Err: err}
	}
	return t, nil
}

func parseOptional(field string, v *string) (models.Optional[time.Time], error) {
	if v == nil || *v == "" {
		return models.None[time.Time](), nil
	}
	t, err := parseRequired(field, *v)
	if err != nil {
		return models.None[time.Time](), err
	}
	return models.Some(t), nil
}
