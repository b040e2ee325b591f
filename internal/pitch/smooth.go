package pitch

// DefaultAlpha weights the newest estimate in the exponential smoother.
const DefaultAlpha = 0.3

// Smoother is an exponential moving average over voiced estimates:
//
//	s[0] = x[0]
//	s[n] = a*x[n] + (1-a)*s[n-1]
//
// Unvoiced frames do not touch it, so by default the state carries across
// silences. ResetAfter > 0 reseeds when the gap since the last voiced
// estimate exceeds that many seconds.
type Smoother struct {
	Alpha      float64
	ResetAfter float64

	value    float64
	lastTime float64
	seeded   bool
	reseeds  int
}

func NewSmoother(alpha, resetAfter float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Smoother{Alpha: alpha, ResetAfter: resetAfter}
}

// Update folds in a voiced estimate taken at time t (seconds).
func (s *Smoother) Update(t, x float64) float64 {
	if s.seeded && s.ResetAfter > 0 && t-s.lastTime > s.ResetAfter {
		s.seeded = false
		s.reseeds++
	}
	if !s.seeded {
		s.value = x
		s.seeded = true
	} else {
		s.value = s.Alpha*x + (1-s.Alpha)*s.value
	}
	s.lastTime = t
	return s.value
}

// Value returns the current smoothed value and whether one exists.
func (s *Smoother) Value() (float64, bool) { return s.value, s.seeded }

// Reseeds counts gap-triggered resets.
func (s *Smoother) Reseeds() int { return s.reseeds }

func (s *Smoother) Reset() {
	s.value = 0
	s.lastTime = 0
	s.seeded = false
}
