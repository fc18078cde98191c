package advisor

import (
	"context"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// Static approves every signal with no adjustments. Wired when no external
// advisor is configured, which makes the sizer's own grade gating the only
// filter.
type Static struct{}

// NewStatic creates a pass-through advisor.
func NewStatic() Static {
	return Static{}
}

// Validate always approves.
func (Static) Validate(context.Context, domain.Signal) (domain.AdvisorVerdict, error) {
	return domain.AdvisorVerdict{
		Decision:   domain.AdvisorApproved,
		Confidence: 1,
	}, nil
}

var _ domain.Advisor = Static{}
