package webhookv

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGitHubHMAC(t *testing.T) {
	body := []byte(`{"ref":"refs/tags/v1.2.3"}`)
	secret := "s3cr3t"
	sig := sign(secret, body)

	if err := Verify(ProviderGitHub, body, sig, secret); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
	if err := Verify(ProviderGitHub, body, sig, "wrong-secret"); err == nil {
		t.Fatal("expected wrong secret to fail verification")
	}
	if err := Verify(ProviderGitHub, append(body, '!'), sig, secret); err == nil {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	if err := Verify(ProviderGitHub, []byte("{}"), "", "secret"); err == nil {
		t.Fatal("expected missing signature header to fail")
	}
}

func TestVerifyGitLabToken(t *testing.T) {
	if err := Verify(ProviderGitLab, []byte("{}"), "tok123", "tok123"); err != nil {
		t.Fatalf("expected matching token to verify, got %v", err)
	}
	if err := Verify(ProviderGitLab, []byte("{}"), "tok123", "tok456"); err == nil {
		t.Fatal("expected mismatched token to fail")
	}
}

func TestVerifyUnknownProvider(t *testing.T) {
	if err := Verify(Provider("unknown"), []byte("{}"), "x", "y"); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestParseGitHubPushTag(t *testing.T) {
	body := []byte(`{"ref":"refs/tags/v2.0.0","repository":{"clone_url":"https://github.com/acme/widgets.git","full_name":"acme/widgets"}}`)
	ev, err := ParsePushEvent(ProviderGitHub, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.Tag != "v2.0.0" || ev.RepositoryFullName != "acme/widgets" || ev.RepositoryURL != "https://github.com/acme/widgets.git" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseGitHubPushBranchHasNoTag(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main","repository":{"clone_url":"https://github.com/acme/widgets.git","full_name":"acme/widgets"}}`)
	ev, err := ParsePushEvent(ProviderGitHub, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.Tag != "" {
		t.Fatalf("expected empty tag for branch push, got %q", ev.Tag)
	}
}

func TestParseGitLabPushTag(t *testing.T) {
	body := []byte(`{"ref":"refs/tags/v0.3.1","project":{"git_http_url":"https://gitlab.com/acme/widgets.git","path_with_namespace":"acme/widgets"}}`)
	ev, err := ParsePushEvent(ProviderGitLab, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.Tag != "v0.3.1" || ev.RepositoryFullName != "acme/widgets" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseBitbucketPushTag(t *testing.T) {
	body := []byte(`{
		"push": {"changes": [{"new": {"name": "v4.5.6", "type": "tag"}}]},
		"repository": {"links": {"html": {"href": "https://bitbucket.org/acme/widgets"}}, "full_name": "acme/widgets"}
	}`)
	ev, err := ParsePushEvent(ProviderBitbucket, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.Tag != "v4.5.6" || ev.RepositoryFullName != "acme/widgets" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseBitbucketPushOnlyConsidersFirstChange(t *testing.T) {
	body := []byte(`{
		"push": {"changes": [
			{"new": {"name": "main", "type": "branch"}},
			{"new": {"name": "v9.9.9", "type": "tag"}}
		]},
		"repository": {"links": {"html": {"href": "https://bitbucket.org/acme/widgets"}}, "full_name": "acme/widgets"}
	}`)
	ev, err := ParsePushEvent(ProviderBitbucket, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.Tag != "" {
		t.Fatalf("expected no tag (first change is a branch push), got %q", ev.Tag)
	}
	if ev.Ref != "refs/heads/main" {
		t.Fatalf("expected ref from the first change only, got %q", ev.Ref)
	}
}

func TestParseBitbucketPushDeletionYieldsNoRef(t *testing.T) {
	body := []byte(`{
		"push": {"changes": [{"new": null}]},
		"repository": {"links": {"html": {"href": "https://bitbucket.org/acme/widgets"}}, "full_name": "acme/widgets"}
	}`)
	ev, err := ParsePushEvent(ProviderBitbucket, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.Ref != "" || ev.Tag != "" {
		t.Fatalf("expected a deletion change to yield no ref/tag, got %+v", ev)
	}
}

func TestParseBitbucketPushPrefersCloneLink(t *testing.T) {
	body := []byte(`{
		"push": {"changes": [{"new": {"name": "v1.0.0", "type": "tag"}}]},
		"repository": {
			"links": {
				"clone": [
					{"name": "https", "href": "https://bitbucket.org/acme/widgets.git"},
					{"name": "ssh", "href": "git@bitbucket.org:acme/widgets.git"}
				],
				"html": {"href": "https://bitbucket.org/acme/widgets"}
			},
			"full_name": "acme/widgets"
		}
	}`)
	ev, err := ParsePushEvent(ProviderBitbucket, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.RepositoryURL != "https://bitbucket.org/acme/widgets.git" {
		t.Fatalf("expected clone link to be preferred over html link, got %q", ev.RepositoryURL)
	}
}

func TestParseGitHubPushFallsBackToHTMLURL(t *testing.T) {
	body := []byte(`{"ref":"refs/tags/v2.0.0","repository":{"html_url":"https://github.com/acme/widgets","full_name":"acme/widgets"}}`)
	ev, err := ParsePushEvent(ProviderGitHub, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.RepositoryURL != "https://github.com/acme/widgets" {
		t.Fatalf("expected fallback to html_url, got %q", ev.RepositoryURL)
	}
}

func TestParseGitLabPushFallsBackToWebURL(t *testing.T) {
	body := []byte(`{"ref":"refs/tags/v0.3.1","project":{"web_url":"https://gitlab.com/acme/widgets","path_with_namespace":"acme/widgets"}}`)
	ev, err := ParsePushEvent(ProviderGitLab, body)
	if err != nil {
		t.Fatalf("ParsePushEvent: %v", err)
	}
	if ev.RepositoryURL != "https://gitlab.com/acme/widgets" {
		t.Fatalf("expected fallback to web_url, got %q", ev.RepositoryURL)
	}
}
