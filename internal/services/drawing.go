package services

import (
	"context"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/models"
	"portal-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// KeepDrawings is how many saved snapshots a couple keeps.
const KeepDrawings = 20

// StrokeEvent relays one finished stroke to the partner
type StrokeEvent struct {
	UserID string        `json:"user_id"`
	Stroke models.Stroke `json:"stroke"`
}

// ClearEvent wipes the shared canvas
type ClearEvent struct {
	UserID string `json:"user_id"`
}

// DrawingService handles the shared canvas
type DrawingService struct {
	drawings *repository.DrawingRepository
	blobs    BlobStore
	bus      broadcast.Bus
}

// NewDrawingService creates a new drawing service
func NewDrawingService(drawings *repository.DrawingRepository, blobs BlobStore, bus broadcast.Bus) *DrawingService {
	return &DrawingService{drawings: drawings, blobs: blobs, bus: bus}
}

// Stroke validates and relays a stroke. Strokes are never stored.
func (s *DrawingService) Stroke(ctx context.Context, member *Member, stroke models.Stroke) error {
	if err := stroke.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid stroke", err)
	}
	topic := broadcast.TopicFor(broadcast.FeatureDrawing, member.CoupleID)
	return s.bus.Publish(ctx, topic, broadcast.EventStroke, StrokeEvent{UserID: member.UserID, Stroke: stroke})
}

// Clear tells both canvases to wipe.
func (s *DrawingService) Clear(ctx context.Context, member *Member) error {
	topic := broadcast.TopicFor(broadcast.FeatureDrawing, member.CoupleID)
	return s.bus.Publish(ctx, topic, broadcast.EventClear, ClearEvent{UserID: member.UserID})
}

// SaveSnapshot uploads a base64 PNG of the canvas and keeps the newest
// KeepDrawings snapshots of the couple.
func (s *DrawingService) SaveSnapshot(ctx context.Context, member *Member, image string) (*models.Drawing, error) {
	if s.blobs == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "image uploads are disabled")
	}
	url, err := s.blobs.UploadBase64(ctx, member.CoupleID+"/drawings", image)
	if err != nil {
		return nil, err
	}

	drawing := &models.Drawing{
		ID:       uuid.New().String(),
		CoupleID: member.CoupleID,
		UserID:   member.UserID,
		ImageURL: url,
	}
	trimmed, err := s.drawings.Create(ctx, drawing, KeepDrawings)
	if err != nil {
		if delErr := s.blobs.Delete(ctx, url); delErr != nil {
			log.Warn().Err(delErr).Str("url", url).Msg("Failed to delete orphaned drawing")
		}
		return nil, err
	}

	if len(trimmed) > 0 {
		urls := make([]string, len(trimmed))
		for i, d := range trimmed {
			urls[i] = d.ImageURL
		}
		if err := s.blobs.Delete(ctx, urls...); err != nil {
			log.Warn().Err(err).Str("couple_id", member.CoupleID).Msg("Failed to delete trimmed drawings")
		}
	}
	return drawing, nil
}

// ListSnapshots returns saved drawings, newest first.
func (s *DrawingService) ListSnapshots(ctx context.Context, member *Member) ([]models.Drawing, error) {
	return s.drawings.ListByCouple(ctx, member.CoupleID, KeepDrawings)
}
