package chaos

import (
	"context"
	"math/rand"
	"time"
)

type pool interface {
	SetActive(ctx context.Context, id string, active bool) error
}

// FlapReviewer toggles a reviewer in and out of the active pool so that
// concurrent assignments see the pool grow and shrink under them. The
// reviewer is left active on return.
func FlapReviewer(ctx context.Context, reviewers pool, reviewerID string, stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	defer func() { _ = reviewers.SetActive(context.Background(), reviewerID, true) }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) == 0 {
				_ = reviewers.SetActive(ctx, reviewerID, rand.Intn(2) == 0)
			}
		}
	}
}
