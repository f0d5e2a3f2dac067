package maven

import "testing"

func TestParsePath_Artifact(t *testing.T) {
	coord, err := parsePath("org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coord.groupID != "org.apache.commons" {
		t.Fatalf("groupID = %q, want org.apache.commons", coord.groupID)
	}
	if coord.artifactID != "commons-lang3" {
		t.Fatalf("artifactID = %q, want commons-lang3", coord.artifactID)
	}
	if coord.version != "3.12.0" {
		t.Fatalf("version = %q, want 3.12.0", coord.version)
	}
	if coord.filename != "commons-lang3-3.12.0.jar" {
		t.Fatalf("filename = %q, want commons-lang3-3.12.0.jar", coord.filename)
	}
}

func TestParsePath_PomFile(t *testing.T) {
	coord, err := parsePath("org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.pom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coord.version != "3.12.0" || coord.filename != "commons-lang3-3.12.0.pom" {
		t.Fatalf("got %+v", coord)
	}
}

func TestParsePath_MetadataDocument(t *testing.T) {
	coord, err := parsePath("org/apache/commons/commons-lang3/maven-metadata.xml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coord.groupID != "org.apache.commons" {
		t.Fatalf("groupID = %q, want org.apache.commons", coord.groupID)
	}
	if coord.artifactID != "commons-lang3" {
		t.Fatalf("artifactID = %q, want commons-lang3", coord.artifactID)
	}
	if coord.version != "" {
		t.Fatalf("expected empty version for a metadata document, got %q", coord.version)
	}
}

func TestParsePath_TooShortIsMalformed(t *testing.T) {
	if _, err := parsePath("onlyonesegment"); err == nil {
		t.Fatal("expected an error for a path with too few segments")
	}
}

func TestParsePath_MetadataWithNoGroupSegmentsIsMalformed(t *testing.T) {
	if _, err := parsePath("commons-lang3/maven-metadata.xml"); err == nil {
		t.Fatal("expected an error when no group segments precede the artifact id")
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"commons-lang3-3.12.0.jar":  "application/java-archive",
		"app.war":                   "application/java-archive",
		"app.ear":                   "application/java-archive",
		"commons-lang3-3.12.0.pom":  "application/xml",
		"maven-metadata.xml":        "application/xml",
		"commons-lang3-3.12.0.sha1": "text/plain",
		"commons-lang3-3.12.0.md5":  "text/plain",
		"commons-lang3-3.12.0.asc":  "text/plain",
		"unknown-file.bin":          "application/octet-stream",
	}
	for filename, want := range cases {
		if got := contentType(filename); got != want {
			t.Errorf("contentType(%q) = %q, want %q", filename, got, want)
		}
	}
}
