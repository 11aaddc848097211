// Package grouping clusters errors with the same failure signature into
// error groups and links groups to issue tracker tickets.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/issue"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

var (
	ErrTicketNumberAlreadyAssigned = errors.New("error group already has a ticket number")
	ErrInvalidTicketNumber         = errors.New("ticket number must not be blank")
)

// Store is the part of store.Store used for error groups.
type Store interface {
	FindErrorGroup(ctx context.Context, key models.ErrorGroupKey) (*models.ErrorGroup, error)
	CreateErrorGroup(ctx context.Context, g *models.ErrorGroup) error
	GetErrorGroup(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error)
	SetTicketNumber(ctx context.Context, id uuid.UUID, ticketNumber string) error
	UpdateErrorGroupFreeText(ctx context.Context, id uuid.UUID, freeText *string) error
}

// IssueConfig controls how issues are filed for a group.
type IssueConfig struct {
	Project   string
	IssueType string
	// GroupURL prefixes the group id in the issue description.
	GroupURL string
}

type Service struct {
	store   Store
	enabled bool
	tracker issue.Tracker
	issues  IssueConfig
	now     func() time.Time
}

// NewService creates a grouping service. tracker may be nil when no issue
// tracker is configured.
func NewService(s Store, enabled bool, tracker issue.Tracker, issues IssueConfig) *Service {
	return &Service{
		store:   s,
		enabled: enabled,
		tracker: tracker,
		issues:  issues,
		now:     time.Now,
	}
}

// AssignToErrorGroup finds or creates the group matching e and records it on
// e. Errors without a stack trace are not grouped; nil is returned for them
// and when grouping is disabled.
func (s *Service) AssignToErrorGroup(ctx context.Context, e *models.Error) (*models.ErrorGroup, error) {
	if !s.enabled {
		return nil, nil
	}
	if e.ErrorEventData.StackTraceHash == "" {
		e.ErrorEventData.StackTraceHash = StackTraceHash(e.ErrorEventData.StackTrace)
	}
	if e.ErrorEventData.StackTraceHash == "" {
		return nil, nil
	}

	candidate := &models.ErrorGroup{
		ID:             uuid.New(),
		ErrorCode:      e.ErrorEventData.Code,
		EventName:      e.ErrorEventMetadata.Type.Name,
		ErrorPublisher: e.ErrorEventMetadata.Publisher.Service,
		ErrorMessage:   e.ErrorEventData.Message,
		StackTraceHash: e.ErrorEventData.StackTraceHash,
		Created:        s.now(),
	}

	g, err := s.findOrCreate(ctx, candidate)
	if errors.Is(err, store.ErrDuplicateKey) {
		// Created concurrently by another instance; it exists now.
		g, err = s.findOrCreate(ctx, candidate)
	}
	if err != nil {
		return nil, fmt.Errorf("assign error %s to group: %w", e.ID, err)
	}

	e.ErrorGroupID = &g.ID
	return g, nil
}

func (s *Service) findOrCreate(ctx context.Context, candidate *models.ErrorGroup) (*models.ErrorGroup, error) {
	existing, err := s.store.FindErrorGroup(ctx, candidate.Key())
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := s.store.CreateErrorGroup(ctx, candidate); err != nil {
		return nil, err
	}
	slog.Debug("error group created", "error_group_id", candidate.ID, "error_code", candidate.ErrorCode)
	return candidate, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	return s.store.GetErrorGroup(ctx, id)
}

// AssignTicketNumber links the group to a ticket. A group keeps the first
// ticket number it was given.
func (s *Service) AssignTicketNumber(ctx context.Context, id uuid.UUID, ticketNumber string) (*models.ErrorGroup, error) {
	ticketNumber = strings.TrimSpace(ticketNumber)
	if ticketNumber == "" {
		return nil, ErrInvalidTicketNumber
	}

	g, err := s.store.GetErrorGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.HasTicketNumber() {
		return nil, fmt.Errorf("%w: %s", ErrTicketNumberAlreadyAssigned, *g.TicketNumber)
	}

	if err := s.store.SetTicketNumber(ctx, id, ticketNumber); err != nil {
		if errors.Is(err, store.ErrAlreadySet) {
			return nil, ErrTicketNumberAlreadyAssigned
		}
		return nil, fmt.Errorf("set ticket number on group %s: %w", id, err)
	}
	return s.store.GetErrorGroup(ctx, id)
}

// UpdateFreeText replaces the operator note of a group; nil clears it.
func (s *Service) UpdateFreeText(ctx context.Context, id uuid.UUID, freeText *string) (*models.ErrorGroup, error) {
	if err := s.store.UpdateErrorGroupFreeText(ctx, id, freeText); err != nil {
		return nil, err
	}
	return s.store.GetErrorGroup(ctx, id)
}

// CreateIssue files an issue for the group and assigns its key as the
// group's ticket number.
func (s *Service) CreateIssue(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	if s.tracker == nil {
		return nil, issue.ErrNotEnabled
	}

	g, err := s.store.GetErrorGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.HasTicketNumber() {
		return nil, fmt.Errorf("%w: %s", ErrTicketNumberAlreadyAssigned, *g.TicketNumber)
	}

	key, err := s.tracker.CreateIssue(ctx, issue.CreateRequest{
		Project:     s.issues.Project,
		IssueType:   s.issues.IssueType,
		Summary:     issueSummary(g),
		Description: s.issueDescription(g),
	})
	if err != nil {
		return nil, fmt.Errorf("create issue for group %s: %w", id, err)
	}
	return s.AssignTicketNumber(ctx, id, key)
}

func issueSummary(g *models.ErrorGroup) string {
	return fmt.Sprintf("Processing of '%s' from '%s' fails with '%s'", g.EventName, g.ErrorPublisher, g.ErrorCode)
}

func (s *Service) issueDescription(g *models.ErrorGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error group: %s%s\n", s.issues.GroupURL, g.ID)
	fmt.Fprintf(&b, "First seen: %s\n", g.Created.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Source: %s\n", g.ErrorPublisher)
	fmt.Fprintf(&b, "Message type: %s\n", g.EventName)
	fmt.Fprintf(&b, "Error code: %s\n", g.ErrorCode)
	if g.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n{noformat}\n%s\n{noformat}\n", g.ErrorMessage)
	}
	return b.String()
}
