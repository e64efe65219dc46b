package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Stagehand/internal/domain"
)

// ErrNoTrigger — у расписания нет ни cron, ни интервала.
var ErrNoTrigger = errors.New("either cron_expr or interval_sec is required")

// Стандартный пятипольный cron, без секунд и дескрипторов.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CalculateNextDue возвращает первое срабатывание строго после from, в UTC.
//
// Cron считается в зоне расписания; нераспознанная зона трактуется как UTC,
// чтобы старое расписание не останавливалось из-за удалённой зоны.
func CalculateNextDue(sched *domain.Schedule, from time.Time) (time.Time, error) {
	switch {
	case sched.IsCron():
		spec, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
		}
		return spec.Next(from.In(location(sched.Timezone))).UTC(), nil

	case sched.IsInterval():
		return from.Add(time.Duration(sched.IntervalSec) * time.Second).UTC(), nil
	}
	return time.Time{}, ErrNoTrigger
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate проверяет расписание перед сохранением.
func Validate(sched *domain.Schedule) error {
	if sched.PipelineType == "" {
		return errors.New("pipeline_type is required")
	}
	if sched.CronExpr == "" && sched.IntervalSec <= 0 {
		return ErrNoTrigger
	}
	if sched.CronExpr != "" {
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
		}
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
		}
	}
	if !sched.Overlap.IsValid() {
		return fmt.Errorf("invalid overlap policy %q: want %q or %q", sched.Overlap, domain.OverlapAllow, domain.OverlapSkip)
	}
	return nil
}
