package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ascensum/gen-image-runner/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StuckImageSweeper periodically marks images that have sat in processing or
// retry_pending longer than maxProcessingAge as qc_failed, so a crashed
// worker can never leave an image orphaned in an active-looking state.
type StuckImageSweeper struct {
	images           domain.PersistenceFacade
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckImageSweeper constructs a StuckImageSweeper, applying defaults for
// non-positive ages/intervals.
func NewStuckImageSweeper(images domain.PersistenceFacade, maxProcessingAge, interval time.Duration) *StuckImageSweeper {
	if images == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckImageSweeper{
		images:           images,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *StuckImageSweeper) Run(ctx context.Context) {
	if s == nil || s.images == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck image sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckImageSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckImageSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("images.page_size", pageSize),
		attribute.Float64("images.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	totalChecked := 0
	totalMarkedFailed := 0

	for _, status := range []domain.ImageStatus{domain.ImageProcessing, domain.ImageRetryPending} {
		for offset := 0; ; offset += pageSize {
			pageCtx, pageSpan := tracer.Start(ctx, "StuckImageSweeper.sweepPage")
			pageSpan.SetAttributes(attribute.Int("images.offset", offset), attribute.String("images.status", string(status)))

			images, err := s.images.ListImagesByStatus(pageCtx, status, offset, pageSize)
			if err != nil {
				pageSpan.RecordError(err)
				pageSpan.End()
				slog.Error("stuck image sweep failed to list images", slog.Any("error", err))
				return
			}
			totalChecked += len(images)
			if len(images) == 0 {
				pageSpan.End()
				break
			}

			for _, img := range images {
				if img.UpdatedAt.Before(cutoff) {
					imgCtx, imgSpan := tracer.Start(pageCtx, "StuckImageSweeper.markFailed")
					imgSpan.SetAttributes(
						attribute.String("image.id", img.ID),
						attribute.String("image.status", string(img.Status)),
					)
					img.Status = domain.ImageQCFailed
					img.QCReason = fmt.Sprintf("processing exceeded maximum age %v; marked by sweeper", s.maxProcessingAge)
					if err := s.images.UpdateImage(imgCtx, img); err != nil {
						imgSpan.RecordError(err)
						slog.Error("stuck image sweep failed to update image", slog.String("image_id", img.ID), slog.Any("error", err))
					} else {
						totalMarkedFailed++
					}
					imgSpan.End()
				}
			}

			pageSpan.End()

			if len(images) < pageSize {
				break
			}
		}
	}

	span.SetAttributes(
		attribute.Int("images.total_checked", totalChecked),
		attribute.Int("images.total_marked_failed", totalMarkedFailed),
	)
}
