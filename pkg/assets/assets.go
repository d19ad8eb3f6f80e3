// Package assets implements Runtime Artifact Lifecycle component E: mapping
// a (product, backend, platform, version) request to a downloadable
// archive, against a remote release index. Follows a GitHub releases API
// client idiom; the release-archive naming convention lives in
// archiveNamePattern below.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/platform"
)

// Artifact is the resolved, downloadable unit.
type Artifact struct {
	Name    string
	URL     string
	Version string
	Platform platform.Platform
	Backend string
	SizeBytes int64
}

// Backend is a named accelerator target that parametrises which archive
// variant is requested.
type Backend string

const (
	BackendCPU     Backend = "cpu"
	BackendCuda12  Backend = "cuda12"
	BackendCuda13  Backend = "cuda13"
	BackendVulkan  Backend = "vulkan"
	BackendHip     Backend = "hip"
	BackendSycl    Backend = "sycl"
	BackendMetal   Backend = "metal"
	BackendDirectML Backend = "directml"
	BackendCoreML  Backend = "coreml"
)

// LatestVersion is a sentinel meaning "resolve from the release index"
// rather than a pinned version string.
const LatestVersion = "latest"

// releaseIndexTimeout bounds the GitHub releases API call; the resolver
// must never hang artifact resolution on a slow network.
const releaseIndexTimeout = 10 * time.Second

// ProductSpec declares everything about a product the resolver needs:
// which backends it supports and where its release index lives.
type ProductSpec struct {
	Name              string
	SupportedBackends map[Backend]bool
	ReleaseIndexURL   string
	IncludePrerelease bool
}

// SupportsBackend reports whether b is a valid request for this product.
func (p ProductSpec) SupportsBackend(b Backend) bool {
	return p.SupportedBackends[b]
}

// release mirrors the subset of the GitHub releases API response the
// resolver needs.
type release struct {
	TagName    string  `json:"tag_name"`
	Prerelease bool    `json:"prerelease"`
	Assets     []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Resolver resolves Artifacts against one or more ProductSpecs, using an
// injected *http.Client so callers can swap in a test double.
type Resolver struct {
	Client *http.Client
}

func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{Client: client}
}

// Resolve produces an Artifact for (spec, backend, plat, version), or
// errdefs.ErrAssetNotAvailable if the product doesn't declare the backend,
// or no matching asset is published for this version/platform.
func (r *Resolver) Resolve(ctx context.Context, spec ProductSpec, backend Backend, plat platform.Platform, version string) (Artifact, error) {
	if !spec.SupportsBackend(backend) {
		return Artifact{}, fmt.Errorf("%w: %s does not support backend %s", errdefs.ErrAssetNotAvailable, spec.Name, backend)
	}

	rel, err := r.fetchRelease(ctx, spec, version)
	if err != nil {
		return Artifact{}, err
	}

	pattern := archiveNamePattern(spec.Name, backend, plat)
	for _, a := range rel.Assets {
		if pattern.MatchString(a.Name) {
			return Artifact{
				Name:      a.Name,
				URL:       a.BrowserDownloadURL,
				Version:   rel.TagName,
				Platform:  plat,
				Backend:   string(backend),
				SizeBytes: a.Size,
			}, nil
		}
	}

	return Artifact{}, fmt.Errorf("%w: no asset in %s matching %s", errdefs.ErrAssetNotAvailable, rel.TagName, pattern.String())
}

func (r *Resolver) fetchRelease(ctx context.Context, spec ProductSpec, version string) (release, error) {
	ctx, cancel := context.WithTimeout(ctx, releaseIndexTimeout)
	defer cancel()

	url := spec.ReleaseIndexURL
	if version != "" && version != LatestVersion {
		url = strings.TrimSuffix(url, "/latest") + "/tags/" + version
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return release{}, fmt.Errorf("build release index request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return release{}, fmt.Errorf("fetch release index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return release{}, fmt.Errorf("%w: release %s not found", errdefs.ErrNotFound, version)
	}
	if resp.StatusCode != http.StatusOK {
		return release{}, fmt.Errorf("release index returned status %d", resp.StatusCode)
	}

	// A list endpoint (used for "latest" + prerelease filtering) returns an
	// array; a singular lookup returns an object.
	if version == LatestVersion && spec.IncludePrerelease {
		var all []release
		if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
			return release{}, fmt.Errorf("decode release list: %w", err)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].TagName > all[j].TagName })
		if len(all) == 0 {
			return release{}, fmt.Errorf("%w: no releases published", errdefs.ErrAssetNotAvailable)
		}
		return all[0], nil
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return release{}, fmt.Errorf("decode release: %w", err)
	}
	return rel, nil
}

// archiveNamePattern builds the naming regex for release assets:
// `llama-b\d+-bin-<os>-<backend>-<arch>\.(zip|tar\.gz)`, with the special
// cases CPU-on-Linux (no "cpu" tag), macOS Metal (no backend tag), and
// Apple Silicon (arm64 only). The pattern does not depend on product.
func archiveNamePattern(product string, backend Backend, plat platform.Platform) *regexp.Regexp {
	osTag := string(plat.OS)
	archTag := string(plat.Arch)

	var backendTag string
	switch {
	case backend == BackendCPU && plat.OS == platform.OSLinux:
		backendTag = "" // Linux CPU builds omit the tag entirely.
	case backend == BackendMetal && plat.OS == platform.OSMacOS:
		backendTag = "" // macOS Metal is the implicit default, untagged.
	default:
		backendTag = "-" + string(backend)
	}

	// Apple Silicon archives are only published for arm64; requesting
	// coreml/metal on x64 macOS simply won't match, which is correct
	// (the resolver reports AssetNotAvailable rather than downgrading).

	raw := fmt.Sprintf(`^llama-b\d+-bin-%s%s-%s\.(zip|tar\.gz)$`, osTag, backendTag, archTag)
	return regexp.MustCompile(raw)
}
