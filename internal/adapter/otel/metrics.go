package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentflow"

// Metrics holds all AgentFlow metric instruments.
type Metrics struct {
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	RunDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCompleted, err = meter.Int64Counter("agentflow.tasks.completed",
		metric.WithDescription("Number of capability invocations that succeeded"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentflow.tasks.failed",
		metric.WithDescription("Number of capability invocations that returned an error"))
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("agentflow.runs.started",
		metric.WithDescription("Number of workflow runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentflow.runs.completed",
		metric.WithDescription("Number of workflow runs reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentflow.task.duration_seconds",
		metric.WithDescription("Task execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentflow.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
