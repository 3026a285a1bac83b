package domain

import (
	"errors"
	"math/big"
	"testing"
)

func TestBlockRangeSplit(t *testing.T) {
	tests := []struct {
		name    string
		r       BlockRange
		maxSize uint64
		want    []BlockRange
	}{
		{"fits", BlockRange{1, 10}, 10, []BlockRange{{1, 10}}},
		{"even", BlockRange{1, 10}, 5, []BlockRange{{1, 5}, {6, 10}}},
		{"remainder", BlockRange{1, 11}, 5, []BlockRange{{1, 5}, {6, 10}, {11, 11}}},
		{"zero max", BlockRange{3, 4}, 0, []BlockRange{{3, 4}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.r.Split(tt.maxSize)
			if len(got) != len(tt.want) {
				t.Fatalf("Split() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBlockRangeSplitAtMaxUint(t *testing.T) {
	r := BlockRange{Start: ^uint64(0) - 3, End: ^uint64(0)}
	got := r.Split(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %v", got)
	}
}

func TestBlockRangeBisect(t *testing.T) {
	left, right, ok := BlockRange{1, 10}.Bisect()
	if !ok {
		t.Fatal("expected bisect to succeed")
	}
	if left != (BlockRange{1, 5}) || right != (BlockRange{6, 10}) {
		t.Errorf("Bisect() = %v, %v", left, right)
	}

	if _, _, ok := (BlockRange{7, 7}).Bisect(); ok {
		t.Error("single block range should not bisect")
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("100-200")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Size() != 101 {
		t.Errorf("Size() = %d, want 101", r.Size())
	}

	if _, err := ParseRange("200-100"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := ParseRange("garbage"); err == nil {
		t.Error("expected parse error")
	}
}

func TestMergeRanges(t *testing.T) {
	got := MergeRanges([]BlockRange{{20, 30}, {1, 10}, {11, 15}, {40, 50}})
	want := []BlockRange{{1, 15}, {20, 30}, {40, 50}}
	if len(got) != len(want) {
		t.Fatalf("MergeRanges() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		amount   int64
		decimals uint8
		want     string
	}{
		{1500000, 6, "1.5"},
		{1, 6, "0.000001"},
		{42, 0, "42"},
		{-2500, 3, "-2.5"},
		{3000, 3, "3"},
	}
	for _, tt := range tests {
		if got := FormatUnits(big.NewInt(tt.amount), tt.decimals); got != tt.want {
			t.Errorf("FormatUnits(%d, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
		}
	}
}
