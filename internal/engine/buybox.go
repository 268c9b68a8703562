package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// Analyzer appends buy-box events with their derived loss reason or
// recapture time. It is the only writer of the event log.
type Analyzer struct {
	events      EventLog
	archive     Archiver
	ourSellerID string
	now         func() time.Time
	log         *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAnalyzer creates an analyzer. archive may be nil.
func NewAnalyzer(events EventLog, archive Archiver, ourSellerID string) *Analyzer {
	return &Analyzer{
		events:      events,
		archive:     archive,
		ourSellerID: ourSellerID,
		now:         time.Now,
		log:         logger.With("component", "buybox"),
		locks:       make(map[string]*sync.Mutex),
	}
}

// RecordLoss classifies and appends a LOSS event.
func (a *Analyzer) RecordLoss(ctx context.Context, ev domain.BuyBoxEvent) (domain.BuyBoxEvent, error) {
	ev.Type = domain.BuyBoxLoss
	a.stamp(&ev)
	if err := ev.Validate(); err != nil {
		return domain.BuyBoxEvent{}, err
	}
	if reason := ClassifyLoss(ev.OurData, ev.NewWinner); reason != domain.LossUnknown || ev.LossReason == "" {
		ev.LossReason = reason
	}
	ev.RecaptureSeconds = nil

	lock := a.asinLock(ev.ASIN)
	lock.Lock()
	defer lock.Unlock()
	return ev, a.append(ctx, ev)
}

// RecordWin appends a WIN event with the time elapsed since the latest
// LOSS for the same ASIN.
func (a *Analyzer) RecordWin(ctx context.Context, ev domain.BuyBoxEvent) (domain.BuyBoxEvent, error) {
	ev.Type = domain.BuyBoxWin
	a.stamp(&ev)
	if err := ev.Validate(); err != nil {
		return domain.BuyBoxEvent{}, err
	}
	ev.LossReason = ""
	ev.RecaptureSeconds = nil

	lock := a.asinLock(ev.ASIN)
	lock.Lock()
	defer lock.Unlock()

	last, err := a.events.LastEvent(ctx, ev.ASIN, domain.BuyBoxLoss)
	switch {
	case err == nil && last != nil && !last.Timestamp.After(ev.Timestamp):
		secs := int64(ev.Timestamp.Sub(last.Timestamp) / time.Second)
		ev.RecaptureSeconds = &secs
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.BuyBoxEvent{}, fmt.Errorf("last loss event: %w", err)
	}
	return ev, a.append(ctx, ev)
}

// ClassifyLoss returns the first matching reason in priority order:
// price, fulfillment, rating.
func ClassifyLoss(ours, winner *domain.SellerSnapshot) domain.LossReason {
	if ours == nil || winner == nil {
		return domain.LossUnknown
	}
	if winner.Price > 0 && ours.Price > 0 && winner.Price < ours.Price-domain.CentEpsilon {
		return domain.LossPrice
	}
	if winner.FulfillmentType == domain.FulfillmentFBA && ours.FulfillmentType == domain.FulfillmentFBM {
		return domain.LossFulfillment
	}
	if winner.IsPrimeEligible && !ours.IsPrimeEligible {
		return domain.LossFulfillment
	}
	if winner.SellerRating > 0 && ours.SellerRating > 0 && winner.SellerRating > ours.SellerRating {
		return domain.LossRating
	}
	return domain.LossUnknown
}

// Metrics aggregates the events for asin since the given time.
func (a *Analyzer) Metrics(ctx context.Context, asin string, since time.Time) (domain.BuyBoxMetrics, error) {
	evs, err := a.events.ListEvents(ctx, asin, since)
	if err != nil {
		return domain.BuyBoxMetrics{}, fmt.Errorf("list buy box events: %w", err)
	}
	m := domain.BuyBoxMetrics{ASIN: asin, Since: since, LossReasons: map[domain.LossReason]int{}}
	var recaptured int
	var recaptureTotal int64
	for _, ev := range evs {
		switch ev.Type {
		case domain.BuyBoxWin:
			m.Wins++
			if ev.RecaptureSeconds != nil {
				recaptured++
				recaptureTotal += *ev.RecaptureSeconds
			}
		case domain.BuyBoxLoss:
			m.Losses++
			reason := ev.LossReason
			if reason == "" {
				reason = domain.LossUnknown
			}
			m.LossReasons[reason]++
		}
	}
	if total := m.Wins + m.Losses; total > 0 {
		m.WinRate = float64(m.Wins) / float64(total)
	}
	if recaptured > 0 {
		m.AverageRecaptureSeconds = float64(recaptureTotal) / float64(recaptured)
	}
	return m, nil
}

// ObserveSignal records a WIN or LOSS for buy-box flips that involve us.
func (a *Analyzer) ObserveSignal(ctx context.Context, sig domain.MarketSignal, product *domain.ProductRef) error {
	if sig.Kind != domain.SignalBuyBoxChange || (!sig.BuyBoxLost && !sig.BuyBoxWon) {
		return nil
	}
	ev := domain.BuyBoxEvent{
		ASIN:      sig.ASIN,
		Strategy:  "market signal",
		Timestamp: sig.OccurredAt,
	}
	if product != nil {
		ev.ProductTitle = product.Title
	}
	for _, o := range sig.Offers {
		snap := sellerSnapshot(o)
		switch {
		case o.SellerID == a.ourSellerID:
			ev.OurData = &snap
		case o.SellerID == sig.NewWinner:
			ev.NewWinner = &snap
		default:
			ev.Competitors = append(ev.Competitors, snap)
		}
		if o.SellerID == sig.PreviousWinner {
			prev := snap
			ev.PreviousWinner = &prev
		}
	}
	if sig.BuyBoxWon {
		if ev.NewWinner == nil && ev.OurData != nil {
			w := *ev.OurData
			ev.NewWinner = &w
		}
		_, err := a.RecordWin(ctx, ev)
		return err
	}
	if ev.NewWinner == nil {
		return nil
	}
	_, err := a.RecordLoss(ctx, ev)
	return err
}

func sellerSnapshot(o domain.Offer) domain.SellerSnapshot {
	return domain.SellerSnapshot{
		SellerID:        o.SellerID,
		SellerName:      o.SellerName,
		Price:           o.Price,
		FulfillmentType: o.FulfillmentType,
		IsPrimeEligible: o.IsPrimeEligible,
		SellerRating:    o.SellerRating,
	}
}

func (a *Analyzer) stamp(ev *domain.BuyBoxEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now()
	}
}

func (a *Analyzer) append(ctx context.Context, ev domain.BuyBoxEvent) error {
	if err := a.events.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append buy box event: %w", err)
	}
	a.log.Info("buy box event recorded", "asin", ev.ASIN, "type", ev.Type, "loss_reason", ev.LossReason)
	if a.archive != nil {
		if err := a.archive.ArchiveBuyBoxEvent(ctx, ev); err != nil {
			a.log.Warn("archive buy box event failed", "asin", ev.ASIN, "error", err)
		}
	}
	return nil
}

func (a *Analyzer) asinLock(asin string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[asin]
	if !ok {
		l = &sync.Mutex{}
		a.locks[asin] = l
	}
	return l
}
