package ports

import (
	"context"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// Reporter presenta el estado de liquidación al operador.
type Reporter interface {
	Report(ctx context.Context, r domain.StatusReport) error
}
