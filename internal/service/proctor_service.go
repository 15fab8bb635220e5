package service

import (
	"context"

	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

// ProctorService handles proctor accounts.
type ProctorService struct {
	proctorRepo *repository.ProctorRepository
}

// NewProctorService creates a new ProctorService.
func NewProctorService(proctorRepo *repository.ProctorRepository) *ProctorService {
	return &ProctorService{proctorRepo: proctorRepo}
}

// GetByEmail retrieves a proctor by email.
func (s *ProctorService) GetByEmail(ctx context.Context, email string) (*model.Proctor, error) {
	return s.proctorRepo.GetByEmail(ctx, email)
}

// Create creates a new proctor.
func (s *ProctorService) Create(ctx context.Context, proctor *model.Proctor) error {
	return s.proctorRepo.Create(ctx, proctor)
}
