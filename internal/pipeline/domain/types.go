package domain

import (
	"fmt"
	"time"
)

// TotalScoreItem is the assessment item for the sheet's total-score row.
// Score sheets carry item_count question rows plus this one.
const TotalScoreItem = "total_score"

// QuestionItem returns the assessment-item label for the n-th question row
// (1-based).
func QuestionItem(n int) string {
	return fmt.Sprintf("question_%d", n)
}

// ExpectedItems lists the assessment items a sheet with itemCount question
// rows is expected to yield, in sheet order.
func ExpectedItems(itemCount int) []string {
	items := make([]string, 0, itemCount+1)
	for i := 1; i <= itemCount; i++ {
		items = append(items, QuestionItem(i))
	}
	return append(items, TotalScoreItem)
}

// Frame is one decoded still image. Frames are ephemeral: they exist only
// while the job that produced them is running.
type Frame struct {
	Index     int
	Timestamp time.Duration
	Width     int
	Height    int
	// Pixels is packed RGB24, row-major, len == Width*Height*3.
	Pixels []byte
}

// Crop returns the sub-image covered by box, clamped to the frame bounds.
// Returns false if the clamped box is empty.
func (f *Frame) Crop(box Box) (*Frame, bool) {
	x1, y1, x2, y2 := box.Clamp(f.Width, f.Height)
	if x1 >= x2 || y1 >= y2 {
		return nil, false
	}
	w, h := x2-x1, y2-y1
	pixels := make([]byte, 0, w*h*3)
	for y := y1; y < y2; y++ {
		row := f.Pixels[(y*f.Width+x1)*3 : (y*f.Width+x2)*3]
		pixels = append(pixels, row...)
	}
	return &Frame{
		Index:     f.Index,
		Timestamp: f.Timestamp,
		Width:     w,
		Height:    h,
		Pixels:    pixels,
	}, true
}

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union overlap of two boxes.
func (b Box) IoU(o Box) float64 {
	ix1, iy1 := max(b.X1, o.X1), max(b.Y1, o.Y1)
	ix2, iy2 := min(b.X2, o.X2), min(b.Y2, o.Y2)
	inter := Box{X1: ix1, Y1: iy1, X2: ix2, Y2: iy2}.Area()
	if inter == 0 {
		return 0
	}
	return inter / (b.Area() + o.Area() - inter)
}

// CenterY returns the vertical center of the box.
func (b Box) CenterY() float64 {
	return (b.Y1 + b.Y2) / 2
}

// Clamp restricts the box to a width x height image and returns integer
// pixel bounds (floor/ceil so the crop never loses covered pixels).
func (b Box) Clamp(width, height int) (x1, y1, x2, y2 int) {
	x1 = int(b.X1)
	y1 = int(b.Y1)
	x2 = int(b.X2 + 0.999999)
	y2 = int(b.Y2 + 0.999999)
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > width {
		x2 = width
	}
	if y2 > height {
		y2 = height
	}
	return x1, y1, x2, y2
}

// RegionCandidate is a detected score-bearing region of interest within one
// frame. Multiple candidates across frames may map to the same item.
type RegionCandidate struct {
	FrameIndex int     `json:"frame_index"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Item       string  `json:"item"`
}

// ClassificationResult is the classifier's read of one RegionCandidate.
type ClassificationResult struct {
	Item       string  `json:"item"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	FrameIndex int     `json:"frame_index"`
}

// UnresolvedValue is the sentinel value of an AssessmentScore for which no
// reliable classification was obtained. Not an error: it marks the item for
// manual review.
const UnresolvedValue = ""

// AssessmentScore is the final aggregated result for one assessment item.
type AssessmentScore struct {
	Item       string                 `json:"item"`
	Value      string                 `json:"value"`
	Confidence float64                `json:"confidence"`
	Sources    []ClassificationResult `json:"sources,omitempty"`
}

// Resolved reports whether a reliable value was obtained for the item.
func (s AssessmentScore) Resolved() bool {
	return s.Value != UnresolvedValue
}

// Result is a job's terminal output: one score per expected assessment item,
// in sheet order, plus summary statistics over the resolved values.
type Result struct {
	Scores []AssessmentScore `json:"scores"`
	Stats  ResultStats       `json:"statistics"`
}

// NeedsReview reports whether any item ended unresolved.
func (r Result) NeedsReview() bool {
	for _, s := range r.Scores {
		if !s.Resolved() {
			return true
		}
	}
	return false
}

// ResultStats summarizes the resolved numeric values of a result.
type ResultStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}
