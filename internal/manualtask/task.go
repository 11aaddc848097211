package manualtask

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/config"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// TaskTypeName is the task type under which all error tasks are filed.
const TaskTypeName = "errorhandling"

type TaskStatus string

const (
	TaskStatusOpen   TaskStatus = "OPEN"
	TaskStatusClosed TaskStatus = "CLOSED"
)

// taskNamespace scopes the task ids derived from error ids.
var taskNamespace = uuid.MustParse("5b0f3c1e-8d4a-4f6e-9c2b-7a1d0e6f4b93")

// TaskID is the id of the task opened for an error. It is stable, so a
// repeated create upserts the same remote task.
func TaskID(errorID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(taskNamespace, errorID[:])
}

// dueLayout is the local date-time format the task service expects.
const dueLayout = "2006-01-02T15:04:05"

// Task is the remote representation of a permanent error.
type Task struct {
	ID                uuid.UUID       `json:"id"`
	Due               string          `json:"due"`
	Priority          string          `json:"priority"`
	Type              string          `json:"type"`
	State             TaskStatus      `json:"state"`
	System            string          `json:"system"`
	Service           string          `json:"service"`
	References        []TaskReference `json:"references"`
	AdditionalDetails []TaskDetail    `json:"additionalDetails,omitempty"`
}

type TaskReference struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type TaskDetail struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TaskType describes the task type registered with the task service.
type TaskType struct {
	Name    string            `json:"name"`
	System  string            `json:"system"`
	Domain  string            `json:"domain"`
	Display []TaskTypeDisplay `json:"display"`
}

type TaskTypeDisplay struct {
	Language      string `json:"language"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	DisplayName   string `json:"displayName"`
	DisplayDomain string `json:"displayDomain"`
}

type taskState struct {
	State TaskStatus `json:"state"`
}

// Factory builds tasks for errors.
type Factory struct {
	cfg config.TaskManagementConfig
	now func() time.Time
}

func NewFactory(cfg config.TaskManagementConfig) *Factory {
	return &Factory{cfg: cfg, now: time.Now}
}

// TaskType returns the type definition registered for error tasks.
func (f *Factory) TaskType() TaskType {
	return TaskType{
		Name:   TaskTypeName,
		System: f.cfg.System,
		Domain: f.cfg.Domain,
		Display: []TaskTypeDisplay{{
			Language:      "EN",
			Title:         "Permanent processing error",
			Description:   "An event could not be processed and needs to be resolved or deleted.",
			DisplayName:   "Error handling",
			DisplayDomain: f.cfg.Domain,
		}},
	}
}

// NewTask builds the open task for e.
func (f *Factory) NewTask(e *models.Error) Task {
	base := f.cfg.ErrorBaseURL
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	details := []TaskDetail{{Name: "errorCode", Value: e.ErrorEventData.Code}}
	if e.ErrorEventMetadata.Type.Name != "" {
		details = append(details, TaskDetail{Name: "eventName", Value: e.ErrorEventMetadata.Type.Name})
	}

	return Task{
		ID:       TaskID(e.ID),
		Due:      f.now().AddDate(0, 0, f.cfg.DueDays).Format(dueLayout),
		Priority: f.cfg.Priority,
		Type:     TaskTypeName,
		State:    TaskStatusOpen,
		System:   f.cfg.System,
		Service:  e.ErrorEventMetadata.Publisher.Service,
		References: []TaskReference{{
			Name: "error",
			URI:  base + e.ID.String(),
		}},
		AdditionalDetails: details,
	}
}
