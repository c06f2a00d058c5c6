package httpserver

import "testing"

func TestCacheHeadersImmutableForHashedAssets(t *testing.T) {
	for _, p := range []string{"/_next/static/chunks/app.js", "/assets/logo.png"} {
		got := cacheHeaders(p)["Cache-Control"]
		want := "public, max-age=31536000, immutable"
		if got != want {
			t.Fatalf("cacheHeaders(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestCacheHeadersRevalidateForHTML(t *testing.T) {
	got := cacheHeaders("/index.html")["Cache-Control"]
	want := "public, max-age=0, must-revalidate"
	if got != want {
		t.Fatalf("cacheHeaders(index.html) = %q, want %q", got, want)
	}
}

func TestSecureStringEqual(t *testing.T) {
	if !secureStringEqual("admin", "admin") {
		t.Fatalf("identical strings should be equal")
	}
	if secureStringEqual("admin", "Admin") {
		t.Fatalf("case-differing strings should not be equal")
	}
	if secureStringEqual("short", "muchlonger") {
		t.Fatalf("different-length strings should not be equal")
	}
}
