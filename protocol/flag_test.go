package protocol

import "testing"

func TestNextFlag(t *testing.T) {
	testCases := []struct {
		in, out uint8
	}{
		{0, 1},
		{1, 2},
		{5, 6},
		{127, 128},
		{128, 1},
	}

	for _, tc := range testCases {
		if got := NextFlag(tc.in); got != tc.out {
			t.Errorf("NextFlag(%d) = %d, want %d", tc.in, got, tc.out)
		}
	}
}

func TestFlagCycle(t *testing.T) {
	f := uint8(0)
	for i := 1; i <= 2*FlagMax; i++ {
		f = NextFlag(f)
		want := uint8((i-1)%FlagMax + 1)
		if f != want {
			t.Fatalf("step %d: got %d, want %d", i, f, want)
		}
		if PrevFlag(NextFlag(f)) != f {
			t.Fatalf("PrevFlag does not invert NextFlag at %d", f)
		}
	}
}

func TestValidFlag(t *testing.T) {
	for _, f := range []int{0, -1, 129, 255} {
		if ValidFlag(f) {
			t.Errorf("flag %d should be invalid", f)
		}
	}
	for _, f := range []int{1, 64, 128} {
		if !ValidFlag(f) {
			t.Errorf("flag %d should be valid", f)
		}
	}
}
