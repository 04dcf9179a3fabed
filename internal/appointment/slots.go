package appointment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SlotInput describes a slot a doctor opens for booking.
type SlotInput struct {
	StartTime time.Time
	EndTime   time.Time
	Chat      bool
	Voice     bool
	Video     bool
	Notes     string
}

// SlotService manages a doctor's own availability.
type SlotService struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewSlotService(repo Repository, log *zap.Logger) *SlotService {
	return &SlotService{repo: repo, log: log, now: time.Now}
}

func (s *SlotService) CreateSlot(ctx context.Context, doctorID int64, in SlotInput) (*Slot, error) {
	start, end := in.StartTime.UTC(), in.EndTime.UTC()
	if !start.Before(end) {
		return nil, ErrInvalidSlotWindow
	}
	if start.Before(s.now()) {
		return nil, ErrSlotInPast
	}
	if !in.Chat && !in.Voice && !in.Video {
		return nil, fmt.Errorf("%w: slot offers no service", ErrServiceNotOffered)
	}

	slot := &Slot{
		DoctorID:  doctorID,
		Date:      time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC),
		StartTime: start,
		EndTime:   end,
		Chat:      in.Chat,
		Voice:     in.Voice,
		Video:     in.Video,
		Notes:     in.Notes,
		Status:    SlotAvailable,
	}

	err := s.repo.InTx(ctx, func(tx Repository) error {
		overlap, err := tx.HasOverlappingSlot(ctx, doctorID, start, end)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotOverlap
		}
		return tx.InsertSlot(ctx, slot)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("slot created",
		zap.Int64("slot_id", slot.ID),
		zap.Int64("doctor_id", doctorID),
		zap.Time("start_time", start),
	)
	return slot, nil
}

// DeleteSlot removes one of the doctor's slots unless it is reserved.
func (s *SlotService) DeleteSlot(ctx context.Context, doctorID, slotID int64) error {
	err := s.repo.InTx(ctx, func(tx Repository) error {
		return tx.DeleteSlot(ctx, doctorID, slotID)
	})
	if err != nil {
		return err
	}
	s.log.Info("slot deleted", zap.Int64("slot_id", slotID), zap.Int64("doctor_id", doctorID))
	return nil
}

// FindAvailable lists a doctor's open slots that intersect [from, to).
func (s *SlotService) FindAvailable(ctx context.Context, doctorID int64, from, to time.Time) ([]Slot, error) {
	if !from.Before(to) {
		return nil, ErrInvalidSlotWindow
	}
	slots, err := s.repo.ListAvailableSlots(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return slots, nil
}
