package parley

// ============================================================================
// Viewport Scroll Policy
// ============================================================================

// ScrollIntent says what a renderer should do with its scroll position after
// the message log changes.
type ScrollIntent int

const (
	// ScrollStick pins the viewport to the bottom so the newest message
	// stays visible.
	ScrollStick ScrollIntent = iota
	// ScrollPreserve keeps the current offset untouched; the reader is
	// looking at history.
	ScrollPreserve
)

func (i ScrollIntent) String() string {
	switch i {
	case ScrollStick:
		return "stick"
	case ScrollPreserve:
		return "preserve"
	default:
		return "unknown"
	}
}

// ViewportState is a renderer-agnostic description of a scrollable message
// view. Units are whatever the renderer measures in, as long as all three
// fields agree.
type ViewportState struct {
	Offset         float64 // distance scrolled from the top
	ViewportHeight float64
	ContentHeight  float64
}

// DistanceFromBottom returns how far the viewport's lower edge sits above
// the end of the content. Never negative.
func (s ViewportState) DistanceFromBottom() float64 {
	d := s.ContentHeight - (s.Offset + s.ViewportHeight)
	if d < 0 {
		return 0
	}
	return d
}

// BottomOffset returns the offset that pins the viewport to the bottom of
// the content.
func (s ViewportState) BottomOffset() float64 {
	o := s.ContentHeight - s.ViewportHeight
	if o < 0 {
		return 0
	}
	return o
}

// ViewportPolicy decides between sticking and preserving. The zero value is
// usable and selects the default threshold.
type ViewportPolicy struct {
	// BottomThreshold is how close to the bottom, in viewport units, the
	// reader may be and still count as following the conversation.
	BottomThreshold float64
}

// DefaultBottomThreshold tolerates the sub-pixel drift real renderers
// report while the view is visually pinned.
const DefaultBottomThreshold = 48.0

func DefaultViewportPolicy() ViewportPolicy {
	return ViewportPolicy{BottomThreshold: DefaultBottomThreshold}
}

// Intent classifies the viewport for an append at the tail. A reader at or
// within the threshold of the bottom sticks; one scrolled up into history
// keeps their place. Content shorter than the viewport always sticks.
func (p ViewportPolicy) Intent(s ViewportState) ScrollIntent {
	threshold := p.BottomThreshold
	if threshold == 0 {
		threshold = DefaultBottomThreshold
	}
	if s.ContentHeight <= s.ViewportHeight {
		return ScrollStick
	}
	if s.DistanceFromBottom() <= threshold {
		return ScrollStick
	}
	return ScrollPreserve
}

// IntentFor classifies an append given who wrote the message. The author's
// own send sticks from any scroll position; they expect to see it land.
func (p ViewportPolicy) IntentFor(s ViewportState, ownMessage bool) ScrollIntent {
	if ownMessage {
		return ScrollStick
	}
	return p.Intent(s)
}

// PrependAdjust returns the offset that keeps the visible content stationary
// after older history of the given height is inserted above the viewport.
func PrependAdjust(s ViewportState, prependedHeight float64) float64 {
	return s.Offset + prependedHeight
}
