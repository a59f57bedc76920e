package notify

import (
	"context"
	"errors"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
)

// Multi reparte cada notificación a todos los notifiers y junta los errores.
type Multi []ports.Notifier

func (m Multi) NotifySettled(ctx context.Context, p domain.Prediction) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifySettled(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
