package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	githubAPIBase = "https://api.github.com"
	userAgent     = "Heimdall-Updater/1.0"
)

// githubClient reads the GitHub Releases API for one repository. Only
// the response fields heimdall needs are decoded.
type githubClient struct {
	base   string
	owner  string
	repo   string
	client *http.Client
}

func newGitHubClient(owner, repo string) *githubClient {
	return &githubClient{
		base:   githubAPIBase,
		owner:  owner,
		repo:   repo,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type release struct {
	TagName     string         `json:"tag_name"`
	Name        string         `json:"name"`
	Body        string         `json:"body"`
	Draft       bool           `json:"draft"`
	Prerelease  bool           `json:"prerelease"`
	PublishedAt time.Time      `json:"published_at"`
	HTMLURL     string         `json:"html_url"`
	Assets      []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// latest returns the newest release on the requested channel. The
// stable channel uses the /latest endpoint, which GitHub already
// filters to published non-prerelease builds; the prerelease channel
// lists recent releases and picks the highest version itself.
func (c *githubClient) latest(ctx context.Context, includePrerelease bool) (*release, error) {
	if !includePrerelease {
		var rel release
		url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.base, c.owner, c.repo)
		if err := c.get(ctx, url, &rel); err != nil {
			return nil, err
		}
		return &rel, nil
	}

	var all []release
	url := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=30", c.base, c.owner, c.repo)
	if err := c.get(ctx, url, &all); err != nil {
		return nil, err
	}

	published := all[:0]
	for _, rel := range all {
		if !rel.Draft {
			published = append(published, rel)
		}
	}
	if len(published) == 0 {
		return nil, fmt.Errorf("%w: repository has no releases", ErrNoUpdateAvailable)
	}

	sort.Slice(published, func(i, j int) bool {
		vi, errI := canonicalVersion(published[i].TagName)
		vj, errJ := canonicalVersion(published[j].TagName)
		if errI != nil || errJ != nil {
			return published[i].PublishedAt.After(published[j].PublishedAt)
		}
		return newerVersion(vi, vj)
	})
	return &published[0], nil
}

// checksums downloads and parses the release's checksums.txt asset.
func (c *githubClient) checksums(ctx context.Context, rel *release) (map[string]string, error) {
	var url string
	for _, a := range rel.Assets {
		if a.Name == "checksums.txt" {
			url = a.BrowserDownloadURL
			break
		}
	}
	if url == "" {
		return nil, fmt.Errorf("%w: release %s has no checksums.txt", ErrAssetNotFound, rel.TagName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: checksums.txt returned %d", ErrDownloadFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	return parseChecksums(string(body))
}

// get performs a Releases API request and decodes the JSON response.
func (c *githubClient) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: no release published", ErrNoUpdateAvailable)
	case http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return fmt.Errorf("%w: try again later", ErrRateLimited)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: forbidden: %s", ErrNetworkError, body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrNetworkError, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrNetworkError, err)
	}
	return nil
}

// assetFor picks the GoReleaser archive for a platform. Release archives
// are named heimdall_<version>_<os>_<arch>.tar.gz, .zip on Windows.
func (r *release) assetFor(goos, goarch string) (*releaseAsset, error) {
	ext := ".tar.gz"
	if goos == "windows" {
		ext = ".zip"
	}
	want := fmt.Sprintf("heimdall_%s_%s_%s%s", strings.TrimPrefix(r.TagName, "v"), goos, goarch, ext)

	for idx := range r.Assets {
		if r.Assets[idx].Name == want {
			return &r.Assets[idx], nil
		}
	}
	return nil, fmt.Errorf("%w: no asset named %s", ErrAssetNotFound, want)
}
