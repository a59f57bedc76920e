package domain

import (
	"fmt"
	"time"
)

// Timeframe es la ventana de una predicción. Solo se aceptan los valores enumerados.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Timeframes devuelve el conjunto válido, de menor a mayor duración.
func Timeframes() []Timeframe {
	return []Timeframe{
		Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d,
	}
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Los timeframes cortos son más ruidosos: la confianza base se escala por este factor.
var timeframeConfidence = map[Timeframe]float64{
	Timeframe1m:  0.85,
	Timeframe5m:  0.90,
	Timeframe15m: 0.95,
	Timeframe30m: 1.00,
	Timeframe1h:  1.05,
	Timeframe4h:  1.10,
	Timeframe1d:  1.15,
}

// ParseTimeframe valida un timeframe recibido del exterior.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", &ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unsupported value %q", s)}
	}
	return tf, nil
}

// Valid devuelve true si el timeframe pertenece al conjunto enumerado.
func (t Timeframe) Valid() bool {
	_, ok := timeframeDurations[t]
	return ok
}

// Duration devuelve la duración del timeframe (0 si es inválido).
func (t Timeframe) Duration() time.Duration {
	return timeframeDurations[t]
}

// ConfidenceFactor devuelve el multiplicador de confianza del timeframe.
func (t Timeframe) ConfidenceFactor() float64 {
	if f, ok := timeframeConfidence[t]; ok {
		return f
	}
	return 1.0
}

func (t Timeframe) String() string { return string(t) }
