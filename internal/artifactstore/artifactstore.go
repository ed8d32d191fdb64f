// Package artifactstore pushes and pulls the byte payload behind a
// Version's storage_ref to/from an OCI-compatible registry, for the
// oci-artifact and helm-chart artifact types named in spec.md §3. The
// registry's own storage_ref column only names the location; the bytes
// themselves live wherever this package points them.
package artifactstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	// MediaTypeConfig is the manifest config blob's media type.
	MediaTypeConfig = "application/vnd.iacreg.version.config.v1+json"
	// MediaTypeContent is the single content layer's media type.
	MediaTypeContent = "application/vnd.iacreg.version.content.v1"
	artifactType     = "application/vnd.iacreg.version.v1"
)

// Ref addresses one artifact version's manifest in an OCI registry:
// <registry>/<path>:<tag>, or <registry>/<path>@<digest> when Digest is
// set.
type Ref struct {
	Registry string
	Path     string // namespace/name[/provider]
	Tag      string
	Digest   string
}

func (r Ref) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Path, r.Digest)
	}
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Path, tag)
}

// VersionConfig is the small metadata blob stored alongside a version's
// content layer, mirroring the registry row's own identifying fields so
// a manifest pulled independently of the database is still self-describing.
type VersionConfig struct {
	ArtifactID string `json:"artifact_id"`
	Version    string `json:"version"`
	Digest     string `json:"digest,omitempty"`
}

// PushResult reports what landed in the registry.
type PushResult struct {
	Ref         string `json:"ref"`
	Digest      string `json:"digest"`
	ConfigSize  int64  `json:"config_size"`
	ContentSize int64  `json:"content_size"`
}

// PullResult reports what was fetched.
type PullResult struct {
	Ref     string        `json:"ref"`
	Digest  string        `json:"digest"`
	Size    int64         `json:"size"`
	Config  VersionConfig `json:"config"`
}

// Client pushes and pulls version payloads to/from an OCI registry.
type Client struct {
	PlainHTTP bool
	Username  string
	Password  string
}

// New returns a Client. Credentials are set via WithAuth.
func New() *Client {
	return &Client{}
}

// WithAuth attaches registry credentials, typically derived per-artifact
// by internal/artifactstore's credential derivation helper rather than a
// single shared account.
func (c *Client) WithAuth(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

// WithPlainHTTP enables HTTP (non-TLS) registries, for local/dev use.
func (c *Client) WithPlainHTTP(plain bool) *Client {
	c.PlainHTTP = plain
	return c
}

// Push packages content under cfg and pushes it to ref.
func (c *Client) Push(ctx context.Context, ref Ref, cfg VersionConfig, content []byte) (*PushResult, error) {
	store := memory.New()

	configBytes, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal version config: %w", err)
	}
	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, configBytes)
	if err != nil {
		return nil, fmt.Errorf("push config blob: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, content)
	if err != nil {
		return nil, fmt.Errorf("push content layer: %w", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType, oras.PackManifestOptions{
		ConfigDescriptor: &configDesc,
		Layers:           []ocispec.Descriptor{contentDesc},
	})
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := c.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	if _, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions); err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      manifestDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
	}, nil
}

// Pull fetches ref's content layer and config.
func (c *Client) Pull(ctx context.Context, ref Ref) ([]byte, *PullResult, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	}
	if pullRef == "" {
		pullRef = "latest"
	}

	store := memory.New()
	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestReader, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	manifestBytes, err := io.ReadAll(manifestReader)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType != MediaTypeContent {
			continue
		}
		reader, err := store.Fetch(ctx, layer)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch content layer: %w", err)
		}
		content, err = io.ReadAll(reader)
		if err != nil {
			return nil, nil, fmt.Errorf("read content layer: %w", err)
		}
	}
	if content == nil {
		return nil, nil, fmt.Errorf("no content layer in manifest")
	}

	var cfg VersionConfig
	if manifest.Config.Size > 0 {
		reader, err := store.Fetch(ctx, manifest.Config)
		if err == nil {
			if cfgBytes, err := io.ReadAll(reader); err == nil {
				_ = json.Unmarshal(cfgBytes, &cfg)
			}
		}
	}

	return content, &PullResult{
		Ref:    ref.String(),
		Digest: manifestDesc.Digest.String(),
		Size:   manifestDesc.Size,
		Config: cfg,
	}, nil
}

func (c *Client) repository(ref Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Path))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = c.PlainHTTP
	if c.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}
	return repo, nil
}
