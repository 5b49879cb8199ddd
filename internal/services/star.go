package services

import (
	"context"
	"math"
	"strings"

	"portal-backend/internal/apperr"
	"portal-backend/internal/models"
	"portal-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxStarMessage = 500

// PlantStarRequest represents a request to plant a star
type PlantStarRequest struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Message string  `json:"message"`
	// Image is an optional base64 image or data URL.
	Image string `json:"image"`
}

// Validate checks position and message bounds.
func (r *PlantStarRequest) Validate() error {
	if !inPercent(r.X) || !inPercent(r.Y) {
		return apperr.New(apperr.KindInvalidArgument, "x and y must be within [0, 100]")
	}
	r.Message = strings.TrimSpace(r.Message)
	if len(r.Message) > maxStarMessage {
		return apperr.New(apperr.KindInvalidArgument, "message is too long")
	}
	return nil
}

func inPercent(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

// StarService handles the shared star sky
type StarService struct {
	stars *repository.StarRepository
	blobs BlobStore
}

// NewStarService creates a new star service
func NewStarService(stars *repository.StarRepository, blobs BlobStore) *StarService {
	return &StarService{stars: stars, blobs: blobs}
}

// Plant stores a star, uploading its image first when one is attached.
func (s *StarService) Plant(ctx context.Context, member *Member, req PlantStarRequest) (*models.Star, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	star := &models.Star{
		ID:       uuid.New().String(),
		CoupleID: member.CoupleID,
		UserID:   member.UserID,
		X:        req.X,
		Y:        req.Y,
	}
	if req.Message != "" {
		star.Message = &req.Message
	}
	if req.Image != "" {
		if s.blobs == nil {
			return nil, apperr.New(apperr.KindInvalidArgument, "image uploads are disabled")
		}
		url, err := s.blobs.UploadBase64(ctx, member.CoupleID+"/stars", req.Image)
		if err != nil {
			return nil, err
		}
		star.ImageURL = &url
	}

	if err := s.stars.Create(ctx, star); err != nil {
		s.deleteBlob(ctx, star.ImageURL)
		return nil, err
	}
	return star, nil
}

// Delete removes a star of the caller's couple.
func (s *StarService) Delete(ctx context.Context, member *Member, starID string) error {
	star, err := s.stars.Delete(ctx, member.CoupleID, starID)
	if err != nil {
		return err
	}
	s.deleteBlob(ctx, star.ImageURL)
	return nil
}

// List returns the couple's stars, oldest first.
func (s *StarService) List(ctx context.Context, member *Member) ([]models.Star, error) {
	return s.stars.ListByCouple(ctx, member.CoupleID)
}

func (s *StarService) deleteBlob(ctx context.Context, url *string) {
	if url == nil || s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(ctx, *url); err != nil {
		log.Warn().Err(err).Str("url", *url).Msg("Failed to delete star image")
	}
}
