package orchestrator

import (
	"context"
	"fmt"
	"time"

	"seoflow/internal/domain"
)

// ScheduleDailyKeywords collects SERP data for keywords every day at timeOfDay (HH:MM).
func (o *Orchestrator) ScheduleDailyKeywords(ctx context.Context, kws []string, timeOfDay string) (string, error) {
	if len(kws) == 0 {
		return "", fmt.Errorf("%w: no keywords", ErrInvalidTask)
	}
	return o.Submit(ctx, TaskSpec{
		Name:     fmt.Sprintf("daily keyword analysis (%d keywords)", len(kws)),
		Kind:     domain.KindBulkKeywordAnalysis,
		Payload:  domain.MustPayload([]any{kws}, nil),
		Trigger:  domain.Daily(timeOfDay),
		Priority: domain.PriorityMedium,
	})
}

// ScheduleWeeklyCompetitors scans the competitor domains once a week.
func (o *Orchestrator) ScheduleWeeklyCompetitors(ctx context.Context, domains []string) (string, error) {
	if len(domains) == 0 {
		return "", fmt.Errorf("%w: no domains", ErrInvalidTask)
	}
	return o.Submit(ctx, TaskSpec{
		Name:     fmt.Sprintf("weekly competitor scan (%d domains)", len(domains)),
		Kind:     domain.KindCompetitorScan,
		Payload:  domain.MustPayload([]any{domains}, nil),
		Trigger:  domain.Weekly(),
		Priority: domain.PriorityLow,
	})
}

// ScheduleBulkURLs analyzes urls once, after delay.
func (o *Orchestrator) ScheduleBulkURLs(ctx context.Context, urls, kws []string, delay time.Duration) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: no urls", ErrInvalidTask)
	}
	var opts map[string]any
	if len(kws) > 0 {
		opts = map[string]any{"keywords": kws}
	}
	return o.Submit(ctx, TaskSpec{
		Name:     fmt.Sprintf("bulk url analysis (%d urls)", len(urls)),
		Kind:     domain.KindBulkURLAnalysis,
		Payload:  domain.MustPayload([]any{urls}, opts),
		Trigger:  domain.Once(o.now().Add(delay)),
		Priority: domain.PriorityHigh,
	})
}

// ScheduleCleanup prunes data older than daysToKeep every period.
func (o *Orchestrator) ScheduleCleanup(ctx context.Context, daysToKeep int, every time.Duration) (string, error) {
	if daysToKeep < 1 {
		return "", fmt.Errorf("%w: days to keep must be at least 1", ErrInvalidTask)
	}
	return o.Submit(ctx, TaskSpec{
		Name:     fmt.Sprintf("cleanup (keep %d days)", daysToKeep),
		Kind:     domain.KindCleanup,
		Payload:  domain.MustPayload(nil, map[string]any{"days_to_keep": daysToKeep}),
		Trigger:  domain.Interval(every),
		Priority: domain.PriorityLow,
	})
}
