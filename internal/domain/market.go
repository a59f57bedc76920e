package domain

import "time"

// Quote es la cotización normalizada que entrega el Price Feed.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Change24h float64   `json:"change_24h"` // porcentaje
	Timestamp time.Time `json:"timestamp"`
}

// Candle es un punto de la serie histórica de precios.
type Candle struct {
	Time   time.Time
	Close  float64
	Volume float64
}

// Indicators es el bundle técnico que acompaña a una predicción automática.
type Indicators struct {
	SMA5       float64 `json:"sma_5"`
	SMA20      float64 `json:"sma_20"`
	RSI        float64 `json:"rsi"`
	Volatility float64 `json:"volatility"` // desviación estándar de retornos, en %
	Momentum   float64 `json:"momentum"`   // % de cambio en la ventana corta
	Sentiment  float64 `json:"sentiment"`  // -1 (bajista) .. +1 (alcista)
}

// Signal es la salida del Scoring Adapter para (symbol, timeframe).
type Signal struct {
	Symbol     string
	Timeframe  Timeframe
	Direction  Direction
	Confidence float64 // 0–100
	Indicators Indicators
	Reasoning  string
	Price      float64 // último precio visto por el scorer
}

// ClampConfidence limita la confianza al rango publicado [min, max].
func ClampConfidence(c, min, max float64) float64 {
	if c < min {
		return min
	}
	if c > max {
		return max
	}
	return c
}
