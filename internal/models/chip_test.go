package models

import "testing"

func frame(n int, suffix string) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	if suffix != "" {
		copy(b[n-len(suffix):], suffix)
	}
	return b
}

func TestValidateFrameBaseLength(t *testing.T) {
	rt, err := ValidateFrame(frame(38, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt != ReadTypeRaw {
		t.Errorf("got %v, want RAW", rt)
	}
}

func TestValidateFrameFSSuffix(t *testing.T) {
	for _, suffix := range []string{"FS", "LS"} {
		rt, err := ValidateFrame(frame(40, suffix))
		if err != nil {
			t.Fatalf("unexpected error for suffix %q: %v", suffix, err)
		}
		if rt != ReadTypeFSLS {
			t.Errorf("suffix %q: got %v, want FSLS", suffix, rt)
		}
	}
}

func TestValidateFrameLowercaseSuffixRejected(t *testing.T) {
	for _, suffix := range []string{"fs", "ls", "Fs", "lS"} {
		if _, err := ValidateFrame(frame(40, suffix)); err != ErrInvalidSuffix {
			t.Errorf("suffix %q: got err %v, want ErrInvalidSuffix", suffix, err)
		}
	}
}

func TestValidateFrameUnknownSuffixRejected(t *testing.T) {
	if _, err := ValidateFrame(frame(40, "ZZ")); err != ErrInvalidSuffix {
		t.Errorf("got %v, want ErrInvalidSuffix", err)
	}
}

func TestValidateFrameWrongLengthRejected(t *testing.T) {
	for _, n := range []int{0, 1, 37, 39, 41, 256} {
		if _, err := ValidateFrame(frame(n, "")); err != ErrInvalidFrameLength {
			t.Errorf("length %d: got %v, want ErrInvalidFrameLength", n, err)
		}
	}
}
