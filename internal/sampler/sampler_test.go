package sampler

import "testing"

func TestScaleFactorDefaultsFullWithNoHistory(t *testing.T) {
	s := New()
	if got := s.ScaleFactor(); got != ScaleFull {
		t.Fatalf("ScaleFactor() = %v, want %v", got, ScaleFull)
	}
}

func TestScaleFactorThresholds(t *testing.T) {
	cases := []struct {
		name string
		days []int
		want float64
	}{
		{"low", []int{10, 20, 30}, ScaleFull},
		{"boundary low exclusive", []int{50, 50, 50}, ScaleReduced},
		{"medium", []int{100, 200, 300}, ScaleReduced},
		{"boundary medium exclusive", []int{500, 500, 500}, ScaleMinimal},
		{"high", []int{1000, 2000, 3000}, ScaleMinimal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			for _, d := range tc.days {
				s.RecordDay(d)
			}
			if got := s.ScaleFactor(); got != tc.want {
				t.Fatalf("ScaleFactor() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScaleFactorErrorOverridesHistory(t *testing.T) {
	s := New()
	s.RecordDay(10000)
	s.MarkError()
	if got := s.ScaleFactor(); got != ScaleFull {
		t.Fatalf("ScaleFactor() after error = %v, want %v", got, ScaleFull)
	}
}

func TestScaleFactorEvictsOldestAfterThreeDays(t *testing.T) {
	s := New()
	s.RecordDay(1000)
	s.RecordDay(1000)
	s.RecordDay(1000)
	s.RecordDay(10) // evicts first 1000
	s.RecordDay(10)
	s.RecordDay(10)
	if got := s.ScaleFactor(); got != ScaleFull {
		t.Fatalf("ScaleFactor() = %v, want %v after eviction", got, ScaleFull)
	}
}
