package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"farmscheduler/internal/clock"
	"farmscheduler/internal/metrics"
	"farmscheduler/internal/models"
	"farmscheduler/internal/notify"
	"farmscheduler/internal/storage"
)

func frequencyMatches(rule models.UnitRule, now time.Time) bool {
	switch rule.Kind {
	case models.UnitDaily:
		return true
	case models.UnitWeekly:
		return rule.DayOfWeek != nil && int(now.Weekday()) == *rule.DayOfWeek
	case models.UnitMonthly:
		return rule.DayOfMonth != nil && now.Day() == *rule.DayOfMonth
	}
	return false
}

// ShouldFireUnit decides whether a unit rule fires at now (farm location).
func ShouldFireUnit(rule models.UnitRule, now time.Time) bool {
	if models.TimeOfDayOf(now) != rule.ScheduledTime {
		return false
	}
	if !frequencyMatches(rule, now) {
		return false
	}
	return rule.LastTriggeredAt == nil || !clock.SameDay(*rule.LastTriggeredAt, now, now.Location())
}

type UnitEvaluator struct {
	store    storage.RuleStore
	notifier Notifier
	clock    clock.Clock
	log      zerolog.Logger
}

func NewUnitEvaluator(store storage.RuleStore, notifier Notifier, clk clock.Clock, logger zerolog.Logger) *UnitEvaluator {
	return &UnitEvaluator{
		store:    store,
		notifier: notifier,
		clock:    clk,
		log:      logger.With().Str("component", "unit-evaluator").Logger(),
	}
}

func (e *UnitEvaluator) Name() string { return "unit_rules" }

func (e *UnitEvaluator) Run(ctx context.Context) JobReport {
	report := JobReport{Job: e.Name()}
	now := e.clock.Now().In(e.clock.Location())

	var rules []models.UnitRule
	err := retry.DoContext(ctx, listStrategy, func() error {
		var listErr error
		rules, listErr = e.store.ListActiveUnitRules(ctx)
		return listErr
	})
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list unit rules")
		report.Error = err.Error()
		return report
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			e.log.Info().Msg("Shutdown requested, leaving remaining unit rules for the next run")
			break
		}
		report.Scanned++

		if !ShouldFireUnit(rule, now) {
			continue
		}

		if err := e.fire(context.WithoutCancel(ctx), rule, now); err != nil {
			report.Failed++
			metrics.RuleFires.WithLabelValues("unit", "failed").Inc()
			e.log.Error().Err(err).
				Int64("rule_id", rule.ID).
				Int64("unit_id", rule.UnitID).
				Msg("Failed to fire unit rule")
			continue
		}
		report.Processed++
		metrics.RuleFires.WithLabelValues("unit", "fired").Inc()
	}
	return report
}

func (e *UnitEvaluator) fire(ctx context.Context, rule models.UnitRule, now time.Time) error {
	res, err := e.notifier.Send(ctx, notify.Message{
		Target: models.RoleFieldOfficer,
		Title:  rule.Title,
		Body:   rule.Message,
		Data: map[string]string{
			"type":      "unit_notification",
			"unit_id":   strconv.FormatInt(rule.UnitID, 10),
			"unit_name": rule.UnitName,
			"rule_id":   strconv.FormatInt(rule.ID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	if err := e.store.UpdateUnitRule(ctx, rule.ID, now); err != nil {
		return fmt.Errorf("persist trigger: %w", err)
	}

	e.log.Info().
		Int64("rule_id", rule.ID).
		Int64("unit_id", rule.UnitID).
		Str("kind", string(rule.Kind)).
		Str("dispatch_id", res.DispatchID).
		Int("success", res.Success).
		Msg("Unit rule fired")
	return nil
}
