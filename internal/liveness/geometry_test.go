package liveness

import (
	"errors"
	"testing"
)

func TestNewTargetRegionCentersFractions(t *testing.T) {
	region, err := NewTargetRegion(Size{Width: 1000, Height: 2000}, 0.55, 0.40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := TargetRegion{Left: 225, Top: 600, Width: 550, Height: 800}
	if region != want {
		t.Fatalf("expected %+v, got %+v", want, region)
	}
}

func TestNewTargetRegionRejectsEmptyPreview(t *testing.T) {
	for _, preview := range []Size{{0, 100}, {100, 0}, {-1, 100}} {
		if _, err := NewTargetRegion(preview, 0.55, 0.40); !errors.Is(err, ErrInvalidGeometry) {
			t.Fatalf("preview %+v: expected ErrInvalidGeometry, got %v", preview, err)
		}
	}
}

func TestNormalizeBoxIdentityAtUnitScale(t *testing.T) {
	box := Box{Left: 12.5, Top: 40, Right: 300, Bottom: 410.25}
	got, err := NormalizeBox(box, Size{640, 480}, Size{640, 480})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != box {
		t.Fatalf("expected identity, got %+v", got)
	}
}

func TestNormalizeBoxScalesEachAxisIndependently(t *testing.T) {
	tests := []struct {
		name     string
		detector Size
		preview  Size
		want     Box
	}{
		{
			name:     "detector larger on x",
			detector: Size{2000, 1000},
			preview:  Size{1000, 1000},
			want:     Box{Left: 50, Top: 100, Right: 150, Bottom: 200},
		},
		{
			name:     "detector smaller on y",
			detector: Size{1000, 500},
			preview:  Size{1000, 1000},
			want:     Box{Left: 100, Top: 200, Right: 300, Bottom: 400},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBox(Box{Left: 100, Top: 100, Right: 300, Bottom: 200}, tt.detector, tt.preview)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestNormalizeBoxRejectsDegenerateDimensions(t *testing.T) {
	box := Box{Right: 10, Bottom: 10}
	if _, err := NormalizeBox(box, Size{640, 480}, Size{0, 480}); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for empty preview, got %v", err)
	}
	if _, err := NormalizeBox(box, Size{640, 0}, Size{640, 480}); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for empty detector frame, got %v", err)
	}
}

func TestIsContained(t *testing.T) {
	region := TargetRegion{Left: 100, Top: 100, Width: 200, Height: 300}
	const eps = 1e-9

	tests := []struct {
		name string
		box  Box
		want bool
	}{
		{"strictly inside", Box{110, 110, 290, 390}, true},
		{"edges equal region", Box{100, 100, 300, 400}, true},
		{"left crosses", Box{100 - eps, 110, 290, 390}, false},
		{"right crosses", Box{110, 110, 300 + eps, 390}, false},
		{"top crosses", Box{110, 100 - eps, 290, 390}, false},
		{"bottom crosses", Box{110, 110, 290, 400 + eps}, false},
		{"fully outside", Box{400, 500, 450, 550}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContained(tt.box, region); got != tt.want {
				t.Fatalf("IsContained(%+v) = %v, want %v", tt.box, got, tt.want)
			}
		})
	}
}
