package version

import (
	"errors"
	"testing"
)

func TestIsSemVer(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"1.0.0", true},
		{"11.1.0", true},
		{"111.1.0", true},
		{"1.11.0", true},
		{"1.111.0", true},
		{"1.1.00", true},
		{"1.1.000", true},
		{"1.1", true},
		{"1.12", true},
		{"1", false},
		{"1.", false},
		{"1.0.", false},
		{"1-0-0", false},
		{".1.0.0", false},
		{"1111.1.0", false},
		{"x.1.0", false},
		{"1.x.0", false},
		{"1.1.x", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsSemVer(tc.version); got != tc.want {
			t.Errorf("IsSemVer(%q) = %v, want %v", tc.version, got, tc.want)
		}
	}
}

func TestIsVppVersion(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"1.0.0", true},
		{"1.1", true},
		{"1.12", true},
		{"1.1-rc0", true},
		{"1.1-rc01", true},
		{"19.01-rc0", true},
		{"19.01-stable", true},
		{"19.01-RC0", true},
		{"1.0.0-stable1234", true},
		{"1.0.0-thisstringistoolong", false},
		{"19.01-*&$", false},
		{"19.01rc0", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsVppVersion(tc.version); got != tc.want {
			t.Errorf("IsVppVersion(%q) = %v, want %v", tc.version, got, tc.want)
		}
	}
}

func TestCompareAgentVersion(t *testing.T) {
	// Same major as the management: fully compatible.
	for _, v := range []string{"6.0.0", "6.1.0", "6.0.1", "6.1.1"} {
		got, err := CompareAgentVersion(v)
		if err != nil {
			t.Fatalf("CompareAgentVersion(%q) unexpected error: %v", v, err)
		}
		if got != 0 {
			t.Errorf("CompareAgentVersion(%q) = %d, want 0", v, got)
		}
	}

	// Management newer by exactly one major: backward-compatible mode.
	for _, v := range []string{"5.0.0", "5.1.0", "5.0.1", "5.1.1"} {
		got, err := CompareAgentVersion(v)
		if err != nil {
			t.Fatalf("CompareAgentVersion(%q) unexpected error: %v", v, err)
		}
		if got != -1 {
			t.Errorf("CompareAgentVersion(%q) = %d, want -1", v, got)
		}
	}

	// Anything else is incompatible, not a numeric result.
	for _, v := range []string{"4.0.0", "4.1.1", "7.0.0", "7.1.0", "bogus", ""} {
		if _, err := CompareAgentVersion(v); !errors.Is(err, ErrIncompatible) {
			t.Errorf("CompareAgentVersion(%q) error = %v, want ErrIncompatible", v, err)
		}
	}
}

func TestVerifyAgentVersion(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		got := VerifyAgentVersion(ManagementVersion)
		want := Verdict{Valid: true, StatusCode: 200, Err: ""}
		if got != want {
			t.Errorf("VerifyAgentVersion(%q) = %+v, want %+v", ManagementVersion, got, want)
		}
	})

	t.Run("missing", func(t *testing.T) {
		got := VerifyAgentVersion("")
		if got.Valid || got.StatusCode != 400 || got.Err != "Invalid device version: none" {
			t.Errorf("VerifyAgentVersion(\"\") = %+v", got)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		got := VerifyAgentVersion("invalid-version")
		if got.Valid || got.StatusCode != 400 || got.Err != "Invalid device version: invalid-version" {
			t.Errorf("VerifyAgentVersion(malformed) = %+v", got)
		}
	})

	t.Run("too low", func(t *testing.T) {
		got := VerifyAgentVersion("1.1.0")
		if got.Valid || got.StatusCode != 403 {
			t.Errorf("VerifyAgentVersion(1.1.0) = %+v, want 403", got)
		}
		want := "Incompatible version: agent version: 1.1.0 too low, management version: 6.0.0"
		if got.Err != want {
			t.Errorf("err = %q, want %q", got.Err, want)
		}
	})

	t.Run("too high", func(t *testing.T) {
		got := VerifyAgentVersion("7.1.0")
		if got.Valid || got.StatusCode != 400 {
			t.Errorf("VerifyAgentVersion(7.1.0) = %+v, want 400", got)
		}
		want := "Incompatible version: agent version: 7.1.0 too high, management version: 6.0.0"
		if got.Err != want {
			t.Errorf("err = %q, want %q", got.Err, want)
		}
	})

	t.Run("backward compat window", func(t *testing.T) {
		got := VerifyAgentVersion("5.2.1")
		if !got.Valid || got.StatusCode != 200 {
			t.Errorf("VerifyAgentVersion(5.2.1) = %+v, want valid", got)
		}
	})
}

func TestVerdictError(t *testing.T) {
	if err := VerifyAgentVersion("6.0.0").Error(); err != nil {
		t.Fatalf("valid verdict produced error: %v", err)
	}

	err := VerifyAgentVersion("1.0.0").Error()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *version.Error, got %T", err)
	}
	if verr.StatusCode != 403 {
		t.Errorf("status = %d, want 403", verr.StatusCode)
	}
}

func TestIsVersionGreaterEquals(t *testing.T) {
	cases := []struct {
		a, b   string
		want   bool
		wantOK bool
	}{
		{"6.3.20", "6.3.20", true, true},
		{"6.3.20", "5.3.20", true, true},
		{"6.3.20", "7.3.20", false, true},
		{"6.3.20", "6.2.20", true, true},
		{"6.3.20", "6.4.20", false, true},
		{"6.3.20", "6.3.19", true, true},
		{"6.3.20", "6.3.21", false, true},
		{"", "6.3.21", false, false},
		{"6.3.20", "", false, false},
		{"6.3", "6.3.21", false, false},
		{"6.3.21", "6.3", false, false},
	}
	for _, tc := range cases {
		got, ok := IsVersionGreaterEquals(tc.a, tc.b)
		if ok != tc.wantOK {
			t.Errorf("IsVersionGreaterEquals(%q, %q) ok = %v, want %v", tc.a, tc.b, ok, tc.wantOK)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("IsVersionGreaterEquals(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRouterVersionsCompatible(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.1.0", "1.0.0", true},
		{"1.0.1", "1.0.0", true},
		{"0.0.0", "1.0.0", false},
		{"0.1.0", "1.0.0", false},
		// Undetermined comparisons must refuse, never pass.
		{"1.0", "1.0.0", false},
		{"", "1.0.0", false},
	}
	for _, tc := range cases {
		if got := RouterVersionsCompatible(tc.a, tc.b); got != tc.want {
			t.Errorf("RouterVersionsCompatible(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
