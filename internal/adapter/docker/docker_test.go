package docker

import (
	"strings"
	"testing"

	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/domain"
)

func TestNormaliseImage_BareNameOnDockerHub(t *testing.T) {
	member := &domain.Repository{UpstreamBaseURL: "https://registry-1.docker.io"}
	if got := normaliseImage(member, "alpine"); got != "library/alpine" {
		t.Fatalf("got %q, want library/alpine", got)
	}
}

func TestNormaliseImage_QualifiedNameUnchanged(t *testing.T) {
	member := &domain.Repository{UpstreamBaseURL: "https://registry-1.docker.io"}
	if got := normaliseImage(member, "myorg/myimage"); got != "myorg/myimage" {
		t.Fatalf("got %q, want myorg/myimage unchanged", got)
	}
}

func TestNormaliseImage_NonDockerHubUpstreamUnchanged(t *testing.T) {
	member := &domain.Repository{UpstreamBaseURL: "https://ghcr.io"}
	if got := normaliseImage(member, "alpine"); got != "alpine" {
		t.Fatalf("got %q, want alpine unchanged for a non-Docker-Hub upstream", got)
	}
}

func TestIsDockerHub(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://registry-1.docker.io", true},
		{"https://index.docker.io", true},
		{"https://ghcr.io", false},
		{"https://registry.gitlab.com", false},
	}
	for _, c := range cases {
		member := &domain.Repository{UpstreamBaseURL: c.url}
		if got := isDockerHub(member); got != c.want {
			t.Errorf("isDockerHub(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestDigestFromName_Blob(t *testing.T) {
	name := "library/alpine:blob:sha256:abcd1234"
	got := digestFromName(&cache.Outcome{}, name)
	if got != "sha256:abcd1234" {
		t.Fatalf("got %q, want sha256:abcd1234", got)
	}
}

func TestDigestFromName_ManifestFromArtifactMetadata(t *testing.T) {
	name := "library/alpine:manifest:3.19"
	outcome := &cache.Outcome{
		Artifact: &domain.Artifact{Metadata: map[string]string{"digest": "sha256:deadbeef"}},
	}
	if got := digestFromName(outcome, name); got != "sha256:deadbeef" {
		t.Fatalf("got %q, want sha256:deadbeef", got)
	}
}

func TestDigestFromName_ManifestWithNoStoredDigest(t *testing.T) {
	name := "library/alpine:manifest:3.19"
	if got := digestFromName(&cache.Outcome{}, name); got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestValidateReference_TagRef(t *testing.T) {
	if err := validateReference("library/alpine", "3.19"); err != nil {
		t.Fatalf("unexpected error for a valid tag reference: %v", err)
	}
}

func TestValidateReference_DigestRef(t *testing.T) {
	if err := validateReference("library/alpine", "sha256:e4355b66995c96b4b468159fc5c7e3540fcef961189ca13fee877798649f5310"); err != nil {
		t.Fatalf("unexpected error for a valid digest reference: %v", err)
	}
}

func TestValidateReference_RejectsUppercaseImage(t *testing.T) {
	if err := validateReference("Library/Alpine", "latest"); err == nil {
		t.Fatal("expected an error for an uppercase image name")
	}
}

func TestServeResource_SplitsOnLastManifestsSegment(t *testing.T) {
	// The image path itself may contain "/manifests/"-looking segments only
	// as a pathological edge case; splitting on LastIndex keeps the ref from
	// swallowing extra path components for nested org paths.
	rest := "my/nested/org/image/manifests/v1.2.3"
	idx := strings.LastIndex(rest, "/manifests/")
	if idx < 0 {
		t.Fatal("expected to find /manifests/ in the path")
	}
	image := rest[:idx]
	ref := rest[idx+len("/manifests/"):]
	if image != "my/nested/org/image" {
		t.Fatalf("image = %q, want my/nested/org/image", image)
	}
	if ref != "v1.2.3" {
		t.Fatalf("ref = %q, want v1.2.3", ref)
	}
}
