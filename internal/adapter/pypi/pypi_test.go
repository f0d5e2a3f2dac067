package pypi

import "testing"

func TestNormaliseName(t *testing.T) {
	cases := map[string]string{
		"Django":           "django",
		"zope.interface":   "zope-interface",
		"zope_interface":   "zope-interface",
		"zope--interface":  "zope-interface",
		"Flask-SQLAlchemy": "flask-sqlalchemy",
		"already-normal":   "already-normal",
	}
	for in, want := range cases {
		if got := NormaliseName(in); got != want {
			t.Errorf("NormaliseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormaliseName_Idempotent(t *testing.T) {
	names := []string{"Django", "zope.interface", "Flask_SQLAlchemy-utils"}
	for _, n := range names {
		once := NormaliseName(n)
		twice := NormaliseName(once)
		if once != twice {
			t.Errorf("NormaliseName not idempotent for %q: %q != %q", n, once, twice)
		}
	}
}

func TestExtractNameVersion_Wheel(t *testing.T) {
	name, version, err := extractNameVersion("Flask_SQLAlchemy-2.5.1-py3-none-any.whl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "flask-sqlalchemy" {
		t.Fatalf("name = %q, want flask-sqlalchemy", name)
	}
	if version != "2.5.1" {
		t.Fatalf("version = %q, want 2.5.1", version)
	}
}

func TestExtractNameVersion_MalformedWheel(t *testing.T) {
	if _, _, err := extractNameVersion("nohyphen.whl"); err == nil {
		t.Fatal("expected an error for a wheel filename with no hyphen")
	}
}

func TestExtractNameVersion_SourceTarball(t *testing.T) {
	name, version, err := extractNameVersion("requests-2.31.0.tar.gz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "requests" || version != "2.31.0" {
		t.Fatalf("got name=%q version=%q", name, version)
	}
}

func TestExtractNameVersion_HyphenatedProjectName(t *testing.T) {
	// Project name itself contains a hyphen; version starts at the first digit.
	name, version, err := extractNameVersion("zope-interface-5.4.0.tar.gz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "zope" {
		t.Fatalf("name = %q, want zope (first segment only)", name)
	}
	if version != "5.4.0" {
		t.Fatalf("version = %q, want 5.4.0 (starts at first digit)", version)
	}
}

func TestExtractNameVersion_UnsupportedExtension(t *testing.T) {
	if _, _, err := extractNameVersion("package-1.0.0.exe"); err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}
}

func TestRewriteHref_PythonHostedURL(t *testing.T) {
	got := rewriteHref("https://files.pythonhosted.org/packages/ab/cd/ef/requests-2.31.0.tar.gz")
	want := "/pypi/packages/ab/cd/ef/requests-2.31.0.tar.gz"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteHref_RelativePath(t *testing.T) {
	got := rewriteHref("../../packages/ab/cd/ef/requests-2.31.0.tar.gz")
	want := "/pypi/packages/ab/cd/ef/requests-2.31.0.tar.gz"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteHref_UnrelatedHrefUntouched(t *testing.T) {
	href := "#fragment"
	if got := rewriteHref(href); got != href {
		t.Fatalf("got %q, want unchanged %q", got, href)
	}
}
