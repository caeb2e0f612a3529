package ws

import (
	"context"
)

// EnvironmentChecker is the slice of the lifecycle manager the ws package
// needs: existence checks before accepting a subscription. Keeps the
// dependency pointing one way.
type EnvironmentChecker interface {
	EnvironmentExists(ctx context.Context, environmentID string) (bool, error)
}
