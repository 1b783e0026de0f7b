package detect

import (
	"math"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// labelByRow assigns each candidate the assessment item implied by its
// vertical position. The sheet has itemCount question rows plus a total row;
// the topmost and bottommost candidate centers anchor the band, and each
// candidate snaps to the nearest row slot.
func labelByRow(candidates []domain.RegionCandidate, itemCount int) {
	if len(candidates) == 0 {
		return
	}
	items := domain.ExpectedItems(itemCount)
	rows := len(items)

	yMin := math.Inf(1)
	yMax := math.Inf(-1)
	for _, c := range candidates {
		cy := c.Box.CenterY()
		yMin = math.Min(yMin, cy)
		yMax = math.Max(yMax, cy)
	}

	slotHeight := 0.0
	if rows > 1 {
		slotHeight = (yMax - yMin) / float64(rows-1)
	}

	for i := range candidates {
		slot := 0
		if slotHeight > 0 {
			slot = int(math.Round((candidates[i].Box.CenterY() - yMin) / slotHeight))
		}
		if slot < 0 {
			slot = 0
		}
		if slot >= rows {
			slot = rows - 1
		}
		candidates[i].Item = items[slot]
	}
}
