package resilience

import (
	"github.com/vadiminshakov/ladder/internal/domain"
)

// ApplyPartialFill makes the filled amount the authoritative stake of the trade.
func ApplyPartialFill(trade *domain.OpenTrade, pf *domain.PartialFill) {
	if trade == nil || pf == nil {
		return
	}
	trade.FilledStake = pf.FilledAmount
	trade.PartialFill = pf
}
