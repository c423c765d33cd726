package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Validate checks a definition without storing it.
func (s *Service) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// CreateDefinition validates def and stores it as version 1 of a new id owned
// by userID. An id given by the caller is kept if it is free.
func (s *Service) CreateDefinition(ctx context.Context, userID string, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.ID == "" {
		def.ID = s.newID()
	} else if _, err := s.store.GetDefinitionVersion(ctx, def.ID, 1); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists", def.ID)
	} else if !schema.IsNotFound(err) {
		return nil, err
	}
	def.UserID = userID
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.invalidate(ctx, def.ID)
	s.logger.InfoContext(ctx, "workflow created",
		slog.String("workflow_id", def.ID), slog.String("name", def.Name), slog.String("user_id", userID))
	return def, nil
}

// UpdateDefinition stores def as the next version of id. Running executions
// keep the version they started with.
func (s *Service) UpdateDefinition(ctx context.Context, userID, id string, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}
	current, err := s.GetDefinition(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	def.ID = id
	def.UserID = current.UserID
	def.Name = strings.TrimSpace(def.Name)
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	s.logger.InfoContext(ctx, "workflow updated",
		slog.String("workflow_id", id), slog.Int("version", def.Version))
	return def, nil
}

// GetDefinition returns the latest version of id.
func (s *Service) GetDefinition(ctx context.Context, userID, id string) (*schema.WorkflowDefinition, error) {
	var (
		def *schema.WorkflowDefinition
		err error
	)
	if s.cache != nil {
		def, err = s.cache.GetDefinition(ctx, id)
	} else {
		def, err = s.store.GetDefinition(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if !owns(def.UserID, userID) {
		return nil, notFound("workflow", id)
	}
	return def, nil
}

// GetDefinitionVersion returns one version of id, including versions of a
// deleted workflow.
func (s *Service) GetDefinitionVersion(ctx context.Context, userID, id string, version int) (*schema.WorkflowDefinition, error) {
	def, err := s.store.GetDefinitionVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !owns(def.UserID, userID) {
		return nil, notFound("workflow version", id)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every workflow userID owns.
func (s *Service) ListDefinitions(ctx context.Context, userID string) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, store.DefinitionFilter{UserID: userID})
}

// DeleteDefinition soft-deletes id. Executions already running keep their
// pinned version.
func (s *Service) DeleteDefinition(ctx context.Context, userID, id string) error {
	if _, err := s.GetDefinition(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.logger.InfoContext(ctx, "workflow deleted", slog.String("workflow_id", id))
	return nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "definition cache invalidation failed",
			slog.String("workflow_id", id), slog.String("error", err.Error()))
	}
}
