package composer

import (
	"context"
	"slices"

	"github.com/desertthunder/pmx/internal/models"
)

// Acceptance decides whether a reached format is an acceptable terminus.
type Acceptance func(ctx context.Context, f models.Format) (bool, error)

// NotAtRisk accepts any format the catalog does not flag as at risk.
func NotAtRisk() Acceptance {
	return func(_ context.Context, f models.Format) (bool, error) {
		return !f.AtRisk, nil
	}
}

// TargetIn accepts only the listed formats. An empty list accepts everything.
func TargetIn(ids ...string) Acceptance {
	return func(_ context.Context, f models.Format) (bool, error) {
		return len(ids) == 0 || slices.Contains(ids, f.ID), nil
	}
}

// All accepts a format only if every test does.
func All(tests ...Acceptance) Acceptance {
	return func(ctx context.Context, f models.Format) (bool, error) {
		for _, test := range tests {
			ok, err := test(ctx, f)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}
