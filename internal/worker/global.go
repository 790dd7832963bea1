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

// ShouldFireGlobal decides whether a global rule fires at now. now must already
// be in the farm's location.
func ShouldFireGlobal(rule models.GlobalRule, now time.Time) bool {
	loc := now.Location()

	switch rule.Kind {
	case models.GlobalRepeating:
		if models.TimeOfDayOf(now) != rule.ScheduledTime {
			return false
		}
		return rule.LastTriggeredAt == nil || !clock.SameDay(*rule.LastTriggeredAt, now, loc)

	case models.GlobalOnce:
		if rule.LastTriggeredAt != nil || rule.ScheduledDate == nil {
			return false
		}
		// Date and time of day are compared separately: a late tick or a restart
		// still fires a one-shot rule, as long as today's clock has passed its time.
		sd := rule.ScheduledDate
		scheduledDay := time.Date(sd.Year(), sd.Month(), sd.Day(), 0, 0, 0, 0, loc)
		if scheduledDay.After(clock.DateOf(now, loc)) {
			return false
		}
		return rule.ScheduledTime.Minutes() <= models.TimeOfDayOf(now).Minutes()
	}
	return false
}

type GlobalEvaluator struct {
	store    storage.RuleStore
	notifier Notifier
	clock    clock.Clock
	log      zerolog.Logger
}

func NewGlobalEvaluator(store storage.RuleStore, notifier Notifier, clk clock.Clock, logger zerolog.Logger) *GlobalEvaluator {
	return &GlobalEvaluator{
		store:    store,
		notifier: notifier,
		clock:    clk,
		log:      logger.With().Str("component", "global-evaluator").Logger(),
	}
}

func (e *GlobalEvaluator) Name() string { return "global_rules" }

func (e *GlobalEvaluator) Run(ctx context.Context) JobReport {
	report := JobReport{Job: e.Name()}
	now := e.clock.Now().In(e.clock.Location())

	var rules []models.GlobalRule
	err := retry.DoContext(ctx, listStrategy, func() error {
		var listErr error
		rules, listErr = e.store.ListActiveGlobalRules(ctx)
		return listErr
	})
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list global rules")
		report.Error = err.Error()
		return report
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			e.log.Info().Msg("Shutdown requested, leaving remaining global rules for the next run")
			break
		}
		report.Scanned++

		if !ShouldFireGlobal(rule, now) {
			continue
		}

		// A started fire is finished even if shutdown arrives meanwhile.
		if err := e.fire(context.WithoutCancel(ctx), rule, now); err != nil {
			report.Failed++
			metrics.RuleFires.WithLabelValues("global", "failed").Inc()
			e.log.Error().Err(err).Int64("rule_id", rule.ID).Msg("Failed to fire global rule")
			continue
		}
		report.Processed++
		metrics.RuleFires.WithLabelValues("global", "fired").Inc()
	}
	return report
}

// fire dispatches first and persists afterwards, so a crash in between causes a
// repeat notification rather than a lost one.
func (e *GlobalEvaluator) fire(ctx context.Context, rule models.GlobalRule, now time.Time) error {
	target := rule.TargetRole
	if target == "" {
		target = models.TargetAll
	}

	res, err := e.notifier.Send(ctx, notify.Message{
		Target: target,
		Title:  rule.Title,
		Body:   rule.Message,
		Data: map[string]string{
			"type":    "global_notification",
			"rule_id": strconv.FormatInt(rule.ID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	// Every fire deactivates the rule, repeating ones included, until an admin
	// reactivates it.
	if err := e.store.UpdateGlobalRule(ctx, rule.ID, now, false); err != nil {
		return fmt.Errorf("persist trigger: %w", err)
	}

	e.log.Info().
		Int64("rule_id", rule.ID).
		Str("kind", string(rule.Kind)).
		Str("target", target).
		Str("dispatch_id", res.DispatchID).
		Int("success", res.Success).
		Int("failure", res.Failure).
		Msg("Global rule fired")
	return nil
}
