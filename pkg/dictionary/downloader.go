package dictionary

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/japaniel/impara/pkg/logger"
)

const (
	DefaultFileName = "jmdict-eng-common.json"
	repoOwner       = "scriptin"
	repoName        = "jmdict-simplified"
	defaultAPIBase  = "https://api.github.com"
	userAgent       = "impara-cli"
)

// Downloader fetches the jmdict-simplified English common dictionary from
// the latest GitHub release.
type Downloader struct {
	// APIBase is the GitHub API root. Tests point it at a local server.
	APIBase string
	Client  *http.Client
	Log     *logger.Logger
}

// NewDownloader returns a Downloader for the public GitHub API.
func NewDownloader(log *logger.Logger) *Downloader {
	return &Downloader{
		APIBase: defaultAPIBase,
		Client:  &http.Client{Timeout: 5 * time.Minute},
		Log:     logger.OrNop(log),
	}
}

// Ensure checks if the dictionary exists at path. If not, it discovers the
// latest release, downloads it and extracts the JSON file to path. The file
// appears at path only once it is complete.
func (d *Downloader) Ensure(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	log := logger.OrNop(d.Log)
	log.Info("dictionary not found, downloading", "path", path)

	downloadURL, err := d.latestAssetURL(ctx)
	if err != nil {
		return fmt.Errorf("failed to find latest dictionary release: %w", err)
	}
	log.Info("downloading dictionary", "url", downloadURL)
	if err := d.downloadAndExtract(ctx, downloadURL, path); err != nil {
		return err
	}
	log.Info("dictionary ready", "path", path)
	return nil
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) latestAssetURL(ctx context.Context) (string, error) {
	base := strings.TrimRight(d.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", base, repoOwner, repoName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", err
	}
	// GitHub rejects requests without a User-Agent.
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := d.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github api returned status: %s", resp.Status)
	}

	var release struct {
		Assets []struct {
			Name               string `json:"name"`
			BrowserDownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}

	for _, asset := range release.Assets {
		if strings.Contains(asset.Name, "jmdict-eng-common") &&
			(strings.HasSuffix(asset.Name, ".json.tgz") || strings.HasSuffix(asset.Name, ".json.gz")) {
			return asset.BrowserDownloadURL, nil
		}
	}
	return "", errors.New("no suitable dictionary asset found in latest release")
}

func (d *Downloader) downloadAndExtract(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	gzReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	if strings.HasSuffix(url, ".json.gz") {
		return writeAtomic(destPath, gzReader)
	}

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar archive: %w", err)
		}
		if header.Typeflag == tar.TypeReg && strings.HasSuffix(header.Name, ".json") {
			return writeAtomic(destPath, tarReader)
		}
	}
	return errors.New("no json file found in downloaded archive")
}

// writeAtomic copies r into a temp file next to path and renames it into
// place.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dictionary dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write to file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
