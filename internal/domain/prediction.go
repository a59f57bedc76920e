package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemOwner es el dueño centinela de las predicciones automáticas.
const SystemOwner = "system"

// Direction es la apuesta direccional de una predicción.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// ParseDirection acepta "UP"/"DOWN" sin distinguir mayúsculas.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case DirectionUp, DirectionDown:
		return d, nil
	default:
		return "", &ValidationError{Field: "direction", Reason: fmt.Sprintf("must be UP or DOWN, got %q", s)}
	}
}

// PredictionStatus representa el ciclo de vida de una predicción.
// Solo existen las transiciones ACTIVE → {WON, LOST, EXPIRED_NO_DATA}.
type PredictionStatus string

const (
	StatusActive        PredictionStatus = "ACTIVE"
	StatusWon           PredictionStatus = "WON"
	StatusLost          PredictionStatus = "LOST"
	StatusExpiredNoData PredictionStatus = "EXPIRED_NO_DATA"
)

// Terminal devuelve true si el status ya no puede cambiar.
func (s PredictionStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusExpiredNoData
}

// Prediction es una apuesta direccional con vencimiento.
type Prediction struct {
	ID              string
	OwnerID         string
	Symbol          string
	Direction       Direction
	Timeframe       Timeframe
	StakeAmount     int64 // 0 en predicciones automáticas
	EntryPrice      float64
	ConfidenceScore float64
	CreatedAt       time.Time
	ExpiryTime      time.Time
	Status          PredictionStatus
	Indicators      *Indicators // solo automáticas
	Reasoning       string      // solo automáticas

	// Se escriben en la liquidación
	ResultPrice *float64
	SettledAt   *time.Time
	Payout      int64
}

// IsAutomatic devuelve true para predicciones generadas por el sistema.
func (p Prediction) IsAutomatic() bool {
	return p.OwnerID == SystemOwner
}

// Due devuelve true si la predicción ya venció en el instante dado.
func (p Prediction) Due(now time.Time) bool {
	return !now.Before(p.ExpiryTime)
}

// ManualRequest son los parámetros crudos de una predicción manual.
type ManualRequest struct {
	OwnerID   string
	Symbol    string
	Direction string
	Timeframe string
	Stake     int64
}

// Validate comprueba el request sin tocar ningún estado.
func (r ManualRequest) Validate() (Direction, Timeframe, error) {
	if strings.TrimSpace(r.OwnerID) == "" || r.OwnerID == SystemOwner {
		return "", "", &ValidationError{Field: "owner", Reason: "a user account is required"}
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return "", "", &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if r.Stake < 1 {
		return "", "", &ValidationError{Field: "stake", Reason: fmt.Sprintf("must be >= 1, got %d", r.Stake)}
	}
	dir, err := ParseDirection(r.Direction)
	if err != nil {
		return "", "", err
	}
	tf, err := ParseTimeframe(r.Timeframe)
	if err != nil {
		return "", "", err
	}
	return dir, tf, nil
}

// NewPrediction arma una predicción ACTIVE con expiry = createdAt + duración del timeframe.
func NewPrediction(owner, symbol string, dir Direction, tf Timeframe, stake int64, entry float64, now time.Time) Prediction {
	now = now.UTC()
	return Prediction{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Symbol:      NormalizeSymbol(symbol),
		Direction:   dir,
		Timeframe:   tf,
		StakeAmount: stake,
		EntryPrice:  entry,
		CreatedAt:   now,
		ExpiryTime:  now.Add(tf.Duration()),
		Status:      StatusActive,
	}
}

// NormalizeSymbol unifica la forma de los símbolos ("btc " → "BTC").
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ResolveOutcome aplica la regla de liquidación.
// Política: precio igual al de entrada resuelve como LOST.
func ResolveOutcome(dir Direction, entry, current float64) PredictionStatus {
	switch {
	case dir == DirectionUp && current > entry:
		return StatusWon
	case dir == DirectionDown && current < entry:
		return StatusWon
	default:
		return StatusLost
	}
}

// Settlement es la transición terminal que se aplica de forma atómica.
type Settlement struct {
	PredictionID string
	OwnerID      string
	Status       PredictionStatus
	ResultPrice  *float64
	SettledAt    time.Time
	Payout       int64  // unidades a acreditar al dueño (0 = nada)
	PayoutReason Reason // win_payout, o stake_refund si venció sin datos
}

// Outcome es lo que devuelve Settle. AlreadySettled indica que otra
// liquidación ganó la carrera y esta llamada no mutó nada.
type Outcome struct {
	Prediction     Prediction
	AlreadySettled bool
}

// PredictionStats agrega resultados de un dueño (o del sistema).
type PredictionStats struct {
	OwnerID     string
	Total       int
	Active      int
	Won         int
	Lost        int
	NoData      int
	TotalStaked int64
	TotalPayout int64
}

// Accuracy devuelve won / (won + lost) en porcentaje, 0 si no hay resueltas.
func (s PredictionStats) Accuracy() float64 {
	resolved := s.Won + s.Lost
	if resolved == 0 {
		return 0
	}
	return float64(s.Won) / float64(resolved) * 100
}
