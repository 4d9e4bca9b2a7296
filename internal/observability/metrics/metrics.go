// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"context"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/task/engine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Occurrences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudgebot_occurrence_transitions_total",
		Help: "Ledger transitions by kind (ensured, claimed, duplicate, content_ready, failed).",
	}, []string{"transition"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudgebot_deliveries_total",
		Help: "Final delivery outcomes of fired occurrences.",
	}, []string{"status"})

	SendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudgebot_send_attempts_total",
		Help: "Transport send attempts by result.",
	}, []string{"result"})

	Generation = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nudgebot_generation_seconds",
		Help:    "Content pre-generation latency by outcome.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"outcome"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudgebot_escalations_total",
		Help: "Delegation escalation notices by threshold.",
	}, []string{"threshold"})

	FireLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nudgebot_fire_lag_seconds",
		Help:    "Delay between an occurrence's due instant and its claim.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	HeapItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nudgebot_scheduler_heap_items",
		Help: "Items in the scheduler working set.",
	})

	SchedulerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nudgebot_scheduler_state",
		Help: "1 for the scheduler loop's current state.",
	}, []string{"state"})

	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudgebot_tasks_total",
		Help: "Task engine results by task name.",
	}, []string{"task", "result"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nudgebot_task_duration_seconds",
		Help:    "Task engine run time by task name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
)

// SetSchedulerState flips the state gauge so exactly one label is 1.
func SetSchedulerState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SchedulerState.WithLabelValues(s).Set(v)
	}
}

// ConsumeTaskEvents records task engine lifecycle events from the bus until ctx ends.
func ConsumeTaskEvents(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			te, ok := ev.Data.(engine.TaskEvent)
			if !ok {
				continue
			}
			switch ev.Type {
			case eventbus.TaskFinished:
				Tasks.WithLabelValues(te.Name, "ok").Inc()
				TaskDuration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
			case eventbus.TaskFailed:
				Tasks.WithLabelValues(te.Name, "error").Inc()
				TaskDuration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
			case eventbus.TaskDropped, eventbus.TaskSkipped:
				Tasks.WithLabelValues(te.Name, te.Error).Inc()
			}
		}
	}
}
