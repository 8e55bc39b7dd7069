// Package store persists signal records for the tracker. Take-profit hits are
// sticky: no write path turns a hit level back into an unhit one.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/linluma/signalwatch/shared/models"
)

// ErrNotFound is returned for unknown signal ids
var ErrNotFound = errors.New("signal not found")

// SignalStore is the storage boundary for signal records
type SignalStore interface {
	// ListActive returns active signals ordered by id
	ListActive(ctx context.Context) ([]models.Signal, error)

	Get(ctx context.Context, id int64) (models.Signal, error)

	// Save inserts (id 0) or replaces a signal and returns the stored record
	Save(ctx context.Context, s models.Signal) (models.Signal, error)

	// MarkTakeProfitsHit sets hit=true and hitDate=at on the given levels
	MarkTakeProfitsHit(ctx context.Context, id int64, levels []int, at time.Time) error

	// UpdatePrice records the latest observed price
	UpdatePrice(ctx context.Context, id int64, price float64, at time.Time) error
}

var validate = validator.New()

func validateSignal(s models.Signal) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	return nil
}

// keepHits carries hit state from the stored record into the incoming one
func keepHits(incoming, stored models.Signal) models.Signal {
	out := incoming.Clone()
	for _, old := range stored.TakeProfits {
		if !old.Hit {
			continue
		}
		for i := range out.TakeProfits {
			if out.TakeProfits[i].Level == old.Level && !out.TakeProfits[i].Hit {
				out.TakeProfits[i].Hit = true
				out.TakeProfits[i].HitDate = old.HitDate
			}
		}
	}
	return out
}

// markHits applies hit levels to s in place and reports whether anything changed
func markHits(s *models.Signal, levels []int, at time.Time) bool {
	changed := false
	for _, level := range levels {
		for i := range s.TakeProfits {
			tp := &s.TakeProfits[i]
			if tp.Level == level && !tp.Hit {
				hitAt := at
				tp.Hit = true
				tp.HitDate = &hitAt
				changed = true
			}
		}
	}
	return changed
}

func setPrice(s *models.Signal, price float64, at time.Time) {
	s.CurrentPrice = price
	ts := at
	s.LastPriceUpdate = &ts
}
