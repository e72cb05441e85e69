package helper

import "context"

// ProfileReader abstracts the profile source for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	ListEmergencyAvailable(ctx context.Context) ([]Profile, error)
	CountAvailable(ctx context.Context, category string) (int, error)
}

// Service exposes helper lookups to the matching engine and dispatcher.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the helper profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit helper profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// ListEmergencyAvailable returns every certified, available helper.
func (s *Service) ListEmergencyAvailable(ctx context.Context) ([]Profile, error) {
	return s.repo.ListEmergencyAvailable(ctx)
}

// CountAvailable returns how many available helpers serve category.
func (s *Service) CountAvailable(ctx context.Context, category string) (int, error) {
	return s.repo.CountAvailable(ctx, category)
}
