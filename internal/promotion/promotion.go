// Package promotion scores a completed session to decide whether its
// visual data is worth retaining server-side. Pure functions only, no
// dependency on session or network state.
package promotion

const threshold = 0.25

// SessionMetrics is the scoring input, assembled by SessionController at
// Draining.
type SessionMetrics struct {
	CrashCount       int
	AnrCount         int
	APIErrorCount    int
	ErrorCount       int
	RageTapCount     int
	DeadTapCount     int
	AvgAPILatencyMs  float64
	DurationSeconds  float64
	StartupTimeMs    float64

	TouchCount       int
	ScrollCount      int
	APISuccessCount  int
	APITotalCount    int
	ScreenCount      int
	CustomEventCount int
	IsConstrained    bool
	IsExpensive      bool
}

// Score applies the weighted-predicate rubric and returns a clamped,
// non-negative score. Score is monotone in every direct-sense field: each
// additive term only ever increases with its input crossing a threshold.
func Score(m SessionMetrics) float64 {
	score := 0.0

	if m.APIErrorCount >= 1 {
		score += 0.40
	}
	if m.ErrorCount >= 1 {
		score += 0.35
	}
	if m.AvgAPILatencyMs >= 300 {
		score += 0.30
	}
	if m.StartupTimeMs >= 1500 {
		score += 0.25
	}
	if m.DurationSeconds >= 120 {
		score += 0.20
	}
	if m.CustomEventCount >= 2 {
		score += 0.15
	}
	if m.IsConstrained {
		score += 0.20
	}
	if m.IsExpensive {
		score += 0.15
	}
	if m.TouchCount > 0 && m.TouchCount < 5 {
		score -= 0.15
	}

	if m.DurationSeconds > 6 {
		density := (float64(m.TouchCount) + 0.5*float64(m.ScrollCount)) / (m.DurationSeconds / 60)
		switch {
		case density > 15:
			score += 0.20
		case density > 5:
			score += 0.10
		}
	}

	if m.APITotalCount >= 3 {
		r := float64(m.APIErrorCount) / float64(m.APITotalCount)
		switch {
		case r > 0.20:
			score += 0.25
		case r > 0:
			score += 0.10
		}
	}

	if m.ScreenCount >= 3 {
		score += 0.15
	}

	if score < 0 {
		score = 0
	}
	return score
}

// Promote reports whether score clears the fixed retention threshold.
func Promote(score float64) bool {
	return score >= threshold
}

// Evaluate is the single entry point SessionController calls at Draining.
func Evaluate(m SessionMetrics) (score float64, promoted bool) {
	score = Score(m)
	return score, Promote(score)
}
