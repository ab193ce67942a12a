// Package downloader fetches detector weights and their companion
// definition files from the HuggingFace hub.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Overridable for testing and mirrors.
var (
	huggingFaceAPI = "https://huggingface.co/api/models/"
	huggingFaceCDN = "https://huggingface.co/"
)

func init() {
	if apiURL := os.Getenv("HUGGINGFACE_API_URL"); apiURL != "" {
		huggingFaceAPI = apiURL
	}
	if cdnURL := os.Getenv("HUGGINGFACE_CDN_URL"); cdnURL != "" {
		huggingFaceCDN = cdnURL
	}
}

// ErrNoWeights is returned when a repository holds no supported weights file.
var ErrNoWeights = errors.New("no weights file found")

// weightExts lists supported weights formats in order of preference.
var weightExts = []string{".safetensors", ".pt", ".pth", ".weights"}

var configExts = []string{".cfg", ".yaml", ".yml"}

// ModelSource downloads a model and its definition files.
type ModelSource interface {
	DownloadModel(ctx context.Context, modelID, destination string) (*DownloadResult, error)
}

// DownloadResult holds the local paths of the downloaded files.
type DownloadResult struct {
	WeightsPath string
	ConfigPaths []string
}

// ConfigPath returns the definition file that belongs to the weights, or
// the only one downloaded. It returns "" when the choice is ambiguous.
func (r *DownloadResult) ConfigPath() string {
	stem := strings.TrimSuffix(filepath.Base(r.WeightsPath), filepath.Ext(r.WeightsPath))
	for _, p := range r.ConfigPaths {
		if strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)) == stem {
			return p
		}
	}
	if len(r.ConfigPaths) == 1 {
		return r.ConfigPaths[0]
	}
	return ""
}

// Downloader runs downloads against a ModelSource.
type Downloader struct {
	source ModelSource
}

// NewDownloader creates a new Downloader with the given ModelSource.
func NewDownloader(source ModelSource) *Downloader {
	return &Downloader{source: source}
}

// Download fetches modelID into destination.
func (d *Downloader) Download(ctx context.Context, modelID, destination string) (*DownloadResult, error) {
	return d.source.DownloadModel(ctx, modelID, destination)
}

// HuggingFaceSource implements ModelSource for the HuggingFace hub.
type HuggingFaceSource struct {
	client *http.Client
	apiKey string
}

// NewHuggingFaceSource creates a source that authenticates with apiKey. An
// empty key falls back to HF_API_KEY; private repositories need one.
func NewHuggingFaceSource(apiKey string) *HuggingFaceSource {
	if apiKey == "" {
		apiKey = os.Getenv("HF_API_KEY")
	}
	return &HuggingFaceSource{client: &http.Client{}, apiKey: apiKey}
}

// HuggingFaceModelInfo is the subset of the model API response we read.
type HuggingFaceModelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"`
	} `json:"siblings"`
}

func (h *HuggingFaceSource) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return resp, nil
}

// pick selects the preferred weights file and every definition file.
func pick(files []string) (weights string, configs []string) {
	best := len(weightExts)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if i := slices.Index(weightExts, ext); i >= 0 && i < best {
			weights, best = f, i
		}
		if slices.Contains(configExts, ext) {
			configs = append(configs, f)
		}
	}
	return weights, configs
}

// DownloadModel resolves the repository file list and downloads the weights
// and definition files concurrently.
func (h *HuggingFaceSource) DownloadModel(ctx context.Context, modelID, destination string) (*DownloadResult, error) {
	resp, err := h.get(ctx, huggingFaceAPI+modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model info from HuggingFace API: %w", err)
	}
	var info HuggingFaceModelInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode HuggingFace API response: %w", err)
	}

	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		files = append(files, s.RPath)
	}
	weights, configs := pick(files)
	if weights == "" {
		return nil, fmt.Errorf("%w for model %s", ErrNoWeights, modelID)
	}

	result := &DownloadResult{WeightsPath: filepath.Join(destination, filepath.Base(weights))}
	for _, c := range configs {
		result.ConfigPaths = append(result.ConfigPaths, filepath.Join(destination, filepath.Base(c)))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, rpath := range append([]string{weights}, configs...) {
		local := result.WeightsPath
		if i > 0 {
			local = result.ConfigPaths[i-1]
		}
		g.Go(func() error {
			url := strings.TrimSuffix(huggingFaceCDN, "/") + "/" + modelID + "/resolve/main/" + rpath
			if err := h.downloadFile(ctx, url, local); err != nil {
				return fmt.Errorf("failed to download %s: %w", rpath, err)
			}
			slog.Debug("downloaded", "file", rpath, "path", local)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// downloadFile streams url to path through a temporary file so an
// interrupted download never leaves a truncated file behind.
func (h *HuggingFaceSource) downloadFile(ctx context.Context, url, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	resp, err := h.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.partial")
	if err != nil {
		return fmt.Errorf("failed to create file in %s: %w", dir, err)
	}
	defer os.Remove(out.Name())
	if _, err := copyFile(resp.Body, out); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", path, err)
	}
	return os.Rename(out.Name(), path)
}

// copyFile copies content from a source reader to a destination writer.
func copyFile(src io.Reader, dst io.Writer) (int64, error) {
	return io.Copy(dst, src)
}
