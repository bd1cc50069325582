package camera

// FrameSize mirrors a V4L2 frame size description. Discrete sizes have
// Min == Max and zero steps.
type FrameSize struct {
	MinWidth, MaxWidth, StepWidth    uint32
	MinHeight, MaxHeight, StepHeight uint32
}

// ChooseFrameSize picks the smallest offered size whose width is at least
// minWidth, preferring the height closest to height. Stepwise ranges are
// snapped to their step grid.
func ChooseFrameSize(sizes []FrameSize, minWidth, height uint32) (uint32, uint32, bool) {
	var (
		bestW, bestH uint32
		found        bool
	)
	for _, s := range sizes {
		if s.MaxWidth < minWidth {
			continue
		}
		w, h := s.MaxWidth, s.MaxHeight
		if s.StepWidth > 0 || s.StepHeight > 0 || s.MinWidth != s.MaxWidth {
			w = snap(max(minWidth, s.MinWidth), s.MinWidth, s.MaxWidth, s.StepWidth, true)
			h = snap(clamp(height, s.MinHeight, s.MaxHeight), s.MinHeight, s.MaxHeight, s.StepHeight, false)
		}
		if w < minWidth {
			continue
		}
		if !found || better(w, h, bestW, bestH, height) {
			bestW, bestH, found = w, h, true
		}
	}
	return bestW, bestH, found
}

func better(w, h, bestW, bestH, wantH uint32) bool {
	if w != bestW {
		return w < bestW
	}
	return absDiff(h, wantH) < absDiff(bestH, wantH)
}

// snap aligns v onto min + k*step inside [min, max]; up rounds upwards.
func snap(v, lo, hi, step uint32, up bool) uint32 {
	if step == 0 || v <= lo {
		return clamp(v, lo, hi)
	}
	k := (v - lo) / step
	if up && (v-lo)%step != 0 {
		k++
	}
	return clamp(lo+k*step, lo, hi)
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
