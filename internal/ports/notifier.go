package ports

import (
	"context"

	"github.com/alejandrodnm/criptex/internal/domain"
)

// Notifier avisa de predicciones liquidadas. Un fallo nunca revierte la liquidación.
type Notifier interface {
	NotifySettled(ctx context.Context, p domain.Prediction) error
}

// NopNotifier descarta las notificaciones.
type NopNotifier struct{}

func (NopNotifier) NotifySettled(context.Context, domain.Prediction) error { return nil }
