// Package tasks implements local task mutations. Every mutation is written to
// the device store and queued in the outbox in the same call.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasksync/internal/models"
	"tasksync/internal/store"
)

var ErrInvalidTask = errors.New("invalid task")

type Store interface {
	InsertTask(ctx context.Context, t *models.Task) (int64, error)
	UpdateTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, localID int64) (models.Task, error)
	GetTaskBySyncID(ctx context.Context, syncID string) (models.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error)
	MaxOrder(ctx context.Context, section models.Section) (int, bool, error)
}

type Outbox interface {
	EnqueueUpsert(ctx context.Context, t models.Task) error
	EnqueueDelete(ctx context.Context, t models.Task) error
}

type DeviceIdentity interface {
	DeviceID(ctx context.Context) string
}

type Service struct {
	store    Store
	outbox   Outbox
	identity DeviceIdentity
	now      func() time.Time
}

func NewService(s Store, ob Outbox, identity DeviceIdentity) *Service {
	return &Service{store: s, outbox: ob, identity: identity, now: time.Now}
}

type CreateInput struct {
	Title       string
	Description models.Optional[string]
	Section     models.Section
	DueDate     models.Optional[time.Time]
}

// Create appends a new task at the end of its section.
func (s *Service) Create(ctx context.Context, in CreateInput) (models.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return models.Task{}, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	section := in.Section
	if section == "" {
		section = models.SectionToday
	}
	if !section.Valid() {
		return models.Task{}, fmt.Errorf("%w: section %q", ErrInvalidTask, section)
	}
	order, err := s.nextOrder(ctx, section)
	if err != nil {
		return models.Task{}, err
	}

	now := s.now().UTC()
	t := models.Task{
		SyncID:      uuid.NewString(),
		DeviceID:    s.identity.DeviceID(ctx),
		Title:       title,
		Description: in.Description,
		Status:      models.StatusTodo,
		Section:     section,
		Order:       order,
		CreatedAt:   now,
		UpdatedAt:   now,
		DueDate:     in.DueDate,
	}
	if _, err := s.store.InsertTask(ctx, &t); err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := s.outbox.EnqueueUpsert(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// UpdateInput holds the fields to change; unset fields are left alone.
type UpdateInput struct {
	Title            models.Optional[string]
	Description      models.Optional[string]
	ClearDescription bool
	Status           models.Optional[models.Status]
	DueDate          models.Optional[time.Time]
	ClearDueDate     bool
	Order            models.Optional[int]
}

func (s *Service) Update(ctx context.Context, localID int64, in UpdateInput) (models.Task, error) {
	t, err := s.Get(ctx, localID)
	if err != nil {
		return models.Task{}, err
	}
	if v, ok := in.Title.Get(); ok {
		v = strings.TrimSpace(v)
		if v == "" {
			return models.Task{}, fmt.Errorf("%w: title is required", ErrInvalidTask)
		}
		t.Title = v
	}
	if in.ClearDescription {
		t.Description = models.None[string]()
	} else if in.Description.IsSet() {
		t.Description = in.Description
	}
	if in.ClearDueDate {
		t.DueDate = models.None[time.Time]()
	} else if in.DueDate.IsSet() {
		t.DueDate = in.DueDate
	}
	if v, ok := in.Order.Get(); ok {
		t.Order = v
	}
	if st, ok := in.Status.Get(); ok {
		if !st.Valid() {
			return models.Task{}, fmt.Errorf("%w: status %q", ErrInvalidTask, st)
		}
		if st == models.StatusDone && t.Status != models.StatusDone {
			t.OriginalSection = models.Some(t.Section)
		}
		t.Status = st
	}
	return s.save(ctx, t)
}

// Move puts the task at the end of section.
func (s *Service) Move(ctx context.Context, localID int64, section models.Section) (models.Task, error) {
	if !section.Valid() {
		return models.Task{}, fmt.Errorf("%w: section %q", ErrInvalidTask, section)
	}
	t, err := s.Get(ctx, localID)
	if err != nil {
		return models.Task{}, err
	}
	if t.Section == section {
		return t, nil
	}
	order, err := s.nextOrder(ctx, section)
	if err != nil {
		return models.Task{}, err
	}
	t.Section = section
	t.Order = order
	return s.save(ctx, t)
}

// Complete marks the task done and remembers the section it was in.
func (s *Service) Complete(ctx context.Context, localID int64) (models.Task, error) {
	return s.Update(ctx, localID, UpdateInput{Status: models.Some(models.StatusDone)})
}

// Reopen returns a done task to todo, back in the section it was completed from.
func (s *Service) Reopen(ctx context.Context, localID int64) (models.Task, error) {
	t, err := s.Get(ctx, localID)
	if err != nil {
		return models.Task{}, err
	}
	if t.Status != models.StatusDone {
		return t, nil
	}
	t.Status = models.StatusTodo
	if orig, ok := t.OriginalSection.Get(); ok && orig != t.Section {
		order, err := s.nextOrder(ctx, orig)
		if err != nil {
			return models.Task{}, err
		}
		t.Section = orig
		t.Order = order
	}
	t.OriginalSection = models.None[models.Section]()
	return s.save(ctx, t)
}

// Delete tombstones the task; the row is kept so the deletion can propagate.
func (s *Service) Delete(ctx context.Context, localID int64) error {
	t, err := s.Get(ctx, localID)
	if err != nil {
		return err
	}
	if t.Deleted() {
		return nil
	}
	t.UpdatedAt = s.stamp(t.UpdatedAt)
	t.DeletedAt = models.Some(t.UpdatedAt)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("delete task %d: %w", localID, err)
	}
	return s.outbox.EnqueueDelete(ctx, t)
}

func (s *Service) Get(ctx context.Context, localID int64) (models.Task, error) {
	t, err := s.store.GetTask(ctx, localID)
	if err != nil {
		return models.Task{}, fmt.Errorf("task %d: %w", localID, err)
	}
	return t, nil
}

// ListSection returns live tasks in section ordered by position.
func (s *Service) ListSection(ctx context.Context, section models.Section) ([]models.Task, error) {
	if !section.Valid() {
		return nil, fmt.Errorf("%w: section %q", ErrInvalidTask, section)
	}
	return s.store.ListTasks(ctx, store.TaskFilter{Section: section})
}

func (s *Service) ListAll(ctx context.Context, includeDeleted bool) ([]models.Task, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{IncludeDeleted: includeDeleted})
}

func (s *Service) save(ctx context.Context, t models.Task) (models.Task, error) {
	if t.Deleted() {
		return models.Task{}, fmt.Errorf("%w: task %d is deleted", ErrInvalidTask, t.LocalID)
	}
	t.UpdatedAt = s.stamp(t.UpdatedAt)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return models.Task{}, fmt.Errorf("update task %d: %w", t.LocalID, err)
	}
	if err := s.outbox.EnqueueUpsert(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// stamp returns a modification time strictly after prev, even if the wall
// clock went backwards, so a local edit always beats the copy it replaces.
func (s *Service) stamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (s *Service) nextOrder(ctx context.Context, section models.Section) (int, error) {
	top, ok, err := s.store.MaxOrder(ctx, section)
	if err != nil {
		return 0, fmt.Errorf("max order in %s: %w", section, err)
	}
	if !ok {
		return 0, nil
	}
	return top + 1, nil
}
