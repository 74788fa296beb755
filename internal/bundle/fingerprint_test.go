package bundle

import (
	"testing"
)

func TestFingerprint(t *testing.T) {
	t.Run("is deterministic across permutations", func(t *testing.T) {
		got := Fingerprint([]string{"appnexusBidAdapter", "rubiconBidAdapter", "priceFloors"}, "8.52.0", "prod")
		want := Fingerprint([]string{"priceFloors", "appnexusBidAdapter", "rubiconBidAdapter"}, "8.52.0", "prod")
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("ignores duplicate modules", func(t *testing.T) {
		got := Fingerprint([]string{"appnexusBidAdapter", "appnexusBidAdapter"}, "8.52.0", "prod")
		want := Fingerprint([]string{"appnexusBidAdapter"}, "8.52.0", "prod")
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("has fixed length", func(t *testing.T) {
		fingerprint := Fingerprint([]string{"appnexusBidAdapter"}, "8.52.0", "prod")
		if got, want := len(fingerprint), fingerprintLen; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("changes with the module set", func(t *testing.T) {
		got := Fingerprint([]string{"appnexusBidAdapter"}, "8.52.0", "prod")
		want := Fingerprint([]string{"rubiconBidAdapter"}, "8.52.0", "prod")
		if got == want {
			t.Fatalf("got %q twice", got)
		}
	})

	t.Run("changes with the toolchain version", func(t *testing.T) {
		got := Fingerprint([]string{"appnexusBidAdapter"}, "8.52.0", "prod")
		want := Fingerprint([]string{"appnexusBidAdapter"}, "9.0.0", "prod")
		if got == want {
			t.Fatalf("got %q twice", got)
		}
	})

	t.Run("changes with the output target", func(t *testing.T) {
		got := Fingerprint([]string{"appnexusBidAdapter"}, "8.52.0", "prod")
		want := Fingerprint([]string{"appnexusBidAdapter"}, "8.52.0", "dev")
		if got == want {
			t.Fatalf("got %q twice", got)
		}
	})

	t.Run("is not fooled by module name concatenation", func(t *testing.T) {
		got := Fingerprint([]string{"ab", "c"}, "8.52.0", "prod")
		want := Fingerprint([]string{"a", "bc"}, "8.52.0", "prod")
		if got == want {
			t.Fatalf("got %q twice", got)
		}
	})
}

func TestNextVersion(t *testing.T) {
	t.Run("bumps the middle segment", func(t *testing.T) {
		if got, want := nextVersion("1.4.0"), "1.5.0"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("falls back to the base version on garbage", func(t *testing.T) {
		if got, want := nextVersion("not-a-version"), baseVersion; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}
