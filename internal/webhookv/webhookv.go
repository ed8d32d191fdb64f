// Package webhookv verifies inbound VCS push-event webhooks and extracts
// the repository/ref/tag fields the ingest pipeline needs, independent of
// which provider sent the request.
//
// Each provider signs its payload differently (GitHub and Bitbucket use an
// HMAC-SHA256 hex digest over the raw body; GitLab uses a shared-secret
// token header instead of a computed signature), but all three share the
// shape of the registry's own outbound webhook signing in
// marcus-qen-legator/internal/controlplane/webhook: HMAC-SHA256 over the
// exact request body, compared with constant time.
package webhookv

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider identifies the source VCS host of a push event.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
)

// SignatureError reports a webhook whose signature could not be verified.
type SignatureError struct {
	Provider Provider
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook signature invalid: %s", e.Provider, e.Reason)
}

// Verify checks a webhook's authenticity given its provider, the raw
// request body, the relevant signature/token header value, and the
// shared secret configured for the source repository.
func Verify(provider Provider, body []byte, headerValue, secret string) error {
	switch provider {
	case ProviderGitHub, ProviderBitbucket:
		return verifyHMACSignature(provider, body, headerValue, secret)
	case ProviderGitLab:
		return verifyToken(provider, headerValue, secret)
	default:
		return &SignatureError{Provider: provider, Reason: "unknown provider"}
	}
}

// verifyHMACSignature checks a "sha256=<hex>"-style signature header
// (GitHub's X-Hub-Signature-256 and Bitbucket's equivalent) against an
// HMAC-SHA256 digest of body computed with secret.
func verifyHMACSignature(provider Provider, body []byte, headerValue, secret string) error {
	const prefix = "sha256="
	trimmed := strings.TrimPrefix(headerValue, prefix)
	if trimmed == headerValue && headerValue != "" {
		// Some providers send the bare hex digest with no prefix; accept both.
		trimmed = headerValue
	}
	if trimmed == "" {
		return &SignatureError{Provider: provider, Reason: "missing signature header"}
	}

	got, err := hex.DecodeString(trimmed)
	if err != nil {
		return &SignatureError{Provider: provider, Reason: "signature is not valid hex"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
		return &SignatureError{Provider: provider, Reason: "signature mismatch"}
	}
	return nil
}

// verifyToken checks a shared-secret token header (GitLab's
// X-Gitlab-Token) with a constant-time string comparison.
func verifyToken(provider Provider, headerValue, secret string) error {
	if headerValue == "" {
		return &SignatureError{Provider: provider, Reason: "missing token header"}
	}
	if subtle.ConstantTimeCompare([]byte(headerValue), []byte(secret)) != 1 {
		return &SignatureError{Provider: provider, Reason: "token mismatch"}
	}
	return nil
}

// PushEvent is the subset of a provider push payload the ingest pipeline
// consumes, normalized across providers.
type PushEvent struct {
	RepositoryURL      string
	RepositoryFullName string
	Ref                string
	Tag                string // non-empty when Ref is a tag push
}

// ParsePushEvent decodes a provider-specific push payload into a
// normalized PushEvent. Only tag refs (refs/tags/<tag>) carry a version;
// branch pushes yield an empty Tag and are the ingest pipeline's signal
// to ignore the event.
func ParsePushEvent(provider Provider, body []byte) (PushEvent, error) {
	switch provider {
	case ProviderGitHub:
		return parseGitHubPush(body)
	case ProviderGitLab:
		return parseGitLabPush(body)
	case ProviderBitbucket:
		return parseBitbucketPush(body)
	default:
		return PushEvent{}, fmt.Errorf("unknown provider %q", provider)
	}
}

func tagFromRef(ref string) string {
	const prefix = "refs/tags/"
	if strings.HasPrefix(ref, prefix) {
		return strings.TrimPrefix(ref, prefix)
	}
	return ""
}

// preferEmptyFallback returns preferred unless it is empty, in which
// case it returns fallback, implementing spec.md §4.3's "repository URL
// prefers clone/http URL and falls back to web/html URL".
func preferEmptyFallback(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func parseGitHubPush(body []byte) (PushEvent, error) {
	var payload struct {
		Ref        string `json:"ref"`
		Repository struct {
			CloneURL string `json:"clone_url"`
			HTMLURL  string `json:"html_url"`
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PushEvent{}, fmt.Errorf("decode github push payload: %w", err)
	}
	return PushEvent{
		RepositoryURL:      preferEmptyFallback(payload.Repository.CloneURL, payload.Repository.HTMLURL),
		RepositoryFullName: payload.Repository.FullName,
		Ref:                payload.Ref,
		Tag:                tagFromRef(payload.Ref),
	}, nil
}

func parseGitLabPush(body []byte) (PushEvent, error) {
	var payload struct {
		Ref     string `json:"ref"`
		Project struct {
			GitHTTPURL string `json:"git_http_url"`
			WebURL     string `json:"web_url"`
			PathWithNS string `json:"path_with_namespace"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PushEvent{}, fmt.Errorf("decode gitlab push payload: %w", err)
	}
	return PushEvent{
		RepositoryURL:      preferEmptyFallback(payload.Project.GitHTTPURL, payload.Project.WebURL),
		RepositoryFullName: payload.Project.PathWithNS,
		Ref:                payload.Ref,
		Tag:                tagFromRef(payload.Ref),
	}, nil
}

func parseBitbucketPush(body []byte) (PushEvent, error) {
	var payload struct {
		Push struct {
			Changes []struct {
				New *struct {
					Name string `json:"name"`
					Type string `json:"type"`
				} `json:"new"`
			} `json:"changes"`
		} `json:"push"`
		Repository struct {
			Links struct {
				Clone []struct {
					Name string `json:"name"`
					Href string `json:"href"`
				} `json:"clone"`
				HTML struct {
					Href string `json:"href"`
				} `json:"html"`
			} `json:"links"`
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PushEvent{}, fmt.Errorf("decode bitbucket push payload: %w", err)
	}

	var cloneURL string
	for _, link := range payload.Repository.Links.Clone {
		if link.Name == "https" || link.Name == "http" {
			cloneURL = link.Href
			break
		}
	}

	ev := PushEvent{
		RepositoryURL:      preferEmptyFallback(cloneURL, payload.Repository.Links.HTML.Href),
		RepositoryFullName: payload.Repository.FullName,
	}

	if len(payload.Push.Changes) == 0 {
		return ev, nil
	}
	// Only the first element of push.changes is considered (spec.md §4.3).
	change := payload.Push.Changes[0]
	if change.New == nil {
		// A deletion (new == null) yields no ref/tag.
		return ev, nil
	}
	if change.New.Type == "tag" {
		ev.Ref = "refs/tags/" + change.New.Name
		ev.Tag = change.New.Name
		return ev, nil
	}
	ev.Ref = "refs/heads/" + change.New.Name
	return ev, nil
}
