package ports

import "time"

// Metrics recibe los eventos observables del motor.
type Metrics interface {
	PredictionCreated(kind string)
	PredictionSettled(status string, latency time.Duration)
	LedgerMovement(reason string, amount int64)
	SchedulerQueueDepth(n int)
	SettlementRetry()
	AdapterError(adapter string)
	GenerationRun(result string)
}

// NopMetrics ignora todos los eventos (tests y modo report).
type NopMetrics struct{}

func (NopMetrics) PredictionCreated(string)                 {}
func (NopMetrics) PredictionSettled(string, time.Duration) {}
func (NopMetrics) LedgerMovement(string, int64)             {}
func (NopMetrics) SchedulerQueueDepth(int)                  {}
func (NopMetrics) SettlementRetry()                         {}
func (NopMetrics) AdapterError(string)                      {}
func (NopMetrics) GenerationRun(string)                     {}
