package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// MockModelSource is a mock implementation of the ModelSource interface for testing.
type MockModelSource struct {
	mockDownloadModel func(ctx context.Context, modelID, destination string) (*DownloadResult, error)
}

func (m *MockModelSource) DownloadModel(ctx context.Context, modelID, destination string) (*DownloadResult, error) {
	if m.mockDownloadModel != nil {
		return m.mockDownloadModel(ctx, modelID, destination)
	}
	return nil, errors.New("DownloadModel not implemented for mock")
}

func TestNewDownloader(t *testing.T) {
	mockSource := &MockModelSource{}
	d := NewDownloader(mockSource)

	if d == nil {
		t.Fatal("NewDownloader returned nil")
	}
	if d.source != mockSource {
		t.Errorf("NewDownloader did not set the correct ModelSource")
	}
}

func TestDownloader_Download(t *testing.T) {
	tests := []struct {
		name          string
		modelID       string
		mockResult    *DownloadResult
		mockError     error
		expectedError bool
	}{
		{
			name:    "Successful download",
			modelID: "test-model",
			mockResult: &DownloadResult{
				WeightsPath: "/tmp/download/yolov4.weights",
				ConfigPaths: []string{"/tmp/download/yolov4.cfg"},
			},
		},
		{
			name:          "Download with error",
			modelID:       "error-model",
			mockError:     errors.New("mock download error"),
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDownloader(&MockModelSource{
				mockDownloadModel: func(_ context.Context, modelID, _ string) (*DownloadResult, error) {
					if modelID != tt.modelID {
						t.Errorf("source got model %q, want %q", modelID, tt.modelID)
					}
					return tt.mockResult, tt.mockError
				},
			})

			result, err := d.Download(context.Background(), tt.modelID, "/tmp/download")
			if tt.expectedError {
				if err == nil {
					t.Errorf("Expected an error, but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, but got: %v", err)
			}
			if result.WeightsPath != tt.mockResult.WeightsPath {
				t.Errorf("Expected WeightsPath %s, got %s", tt.mockResult.WeightsPath, result.WeightsPath)
			}
		})
	}
}

func TestPick(t *testing.T) {
	tests := []struct {
		name        string
		files       []string
		wantWeights string
		wantConfigs int
	}{
		{"darknet", []string{"README.md", "yolov4.cfg", "yolov4.weights"}, "yolov4.weights", 1},
		{"safetensors preferred", []string{"best.pt", "model.safetensors", "yolov5s.yaml"}, "model.safetensors", 1},
		{"upper case", []string{"YOLOV3.WEIGHTS"}, "YOLOV3.WEIGHTS", 0},
		{"nothing usable", []string{"model.onnx", "config.json"}, "", 0},
		{"configs only", []string{"a.yml", "b.yaml"}, "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, c := pick(tt.files)
			if w != tt.wantWeights {
				t.Errorf("weights = %q, want %q", w, tt.wantWeights)
			}
			if len(c) != tt.wantConfigs {
				t.Errorf("got %d configs %v, want %d", len(c), c, tt.wantConfigs)
			}
		})
	}
}

func TestDownloadResult_ConfigPath(t *testing.T) {
	r := &DownloadResult{
		WeightsPath: "d/yolov4-tiny.weights",
		ConfigPaths: []string{"d/yolov4.cfg", "d/yolov4-tiny.cfg"},
	}
	if got := r.ConfigPath(); got != "d/yolov4-tiny.cfg" {
		t.Errorf("ConfigPath() = %q", got)
	}
	r.ConfigPaths = r.ConfigPaths[:1]
	if got := r.ConfigPath(); got != "d/yolov4.cfg" {
		t.Errorf("single config: ConfigPath() = %q", got)
	}
	r.ConfigPaths = nil
	if got := r.ConfigPath(); got != "" {
		t.Errorf("no config: ConfigPath() = %q", got)
	}
}

func Test_downloadFile(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name           string
		serverHandler  http.HandlerFunc
		fileName       string
		expectedErrMsg string
	}{
		{
			name: "Successful download",
			serverHandler: func(w http.ResponseWriter, r *http.Request) {
				if _, err := fmt.Fprint(w, "test content"); err != nil {
					t.Errorf("Error writing to response writer: %v", err)
				}
			},
			fileName: "test.weights",
		},
		{
			name: "HTTP error status",
			serverHandler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Not Found", http.StatusNotFound)
			},
			fileName:       "error.weights",
			expectedErrMsg: "status 404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.serverHandler)
			defer server.Close()

			filePath := filepath.Join(tempDir, "nested", tt.fileName)
			err := NewHuggingFaceSource("").downloadFile(context.Background(), server.URL, filePath)

			if tt.expectedErrMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedErrMsg) {
					t.Errorf("Expected error containing %q, got %v", tt.expectedErrMsg, err)
				}
				if _, statErr := os.Stat(filePath); !os.IsNotExist(statErr) {
					t.Errorf("File %s should not exist on error", filePath)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, but got: %v", err)
			}
			content, err := os.ReadFile(filePath)
			if err != nil {
				t.Fatalf("Failed to read downloaded file: %v", err)
			}
			if string(content) != "test content" {
				t.Errorf("Downloaded content mismatch: got %q, want %q", content, "test content")
			}
			partial, _ := filepath.Glob(filepath.Join(tempDir, "nested", ".*.partial"))
			if len(partial) != 0 {
				t.Errorf("partial files left behind: %v", partial)
			}
		})
	}
}

func Test_copyFile(t *testing.T) {
	src := bytes.NewBufferString("hello world")
	dst := &bytes.Buffer{}
	n, err := copyFile(src, dst)
	if err != nil {
		t.Fatalf("Expected no error, but got: %v", err)
	}
	if n != 11 || dst.String() != "hello world" {
		t.Errorf("copyFile() = %d, %q", n, dst.String())
	}
}

// withServers points the package URLs at test servers for one test.
func withServers(t *testing.T, api, cdn http.HandlerFunc) {
	t.Helper()
	apiServer := httptest.NewServer(api)
	t.Cleanup(apiServer.Close)
	if cdn == nil {
		cdn = func(w http.ResponseWriter, r *http.Request) { http.Error(w, "Not Found", http.StatusNotFound) }
	}
	cdnServer := httptest.NewServer(cdn)
	t.Cleanup(cdnServer.Close)

	oldAPI, oldCDN := huggingFaceAPI, huggingFaceCDN
	huggingFaceAPI = apiServer.URL + "/"
	huggingFaceCDN = cdnServer.URL + "/"
	t.Cleanup(func() { huggingFaceAPI, huggingFaceCDN = oldAPI, oldCDN })
}

func TestHuggingFaceSource_DownloadModel(t *testing.T) {
	tests := []struct {
		name            string
		modelID         string
		apiHandler      http.HandlerFunc
		cdnHandler      http.HandlerFunc
		expectedWeights string
		expectedConfigs []string
		expectedError   string
	}{
		{
			name:    "Darknet weights and cfg",
			modelID: "test-org/yolov4",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"modelId": "test-org/yolov4","siblings": [{"rfilename": "README.md"},{"rfilename": "yolov4.weights"},{"rfilename": "cfg/yolov4.cfg"}]}`)
			},
			cdnHandler: func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/test-org/yolov4/resolve/main/yolov4.weights":
					fmt.Fprint(w, "weights content")
				case "/test-org/yolov4/resolve/main/cfg/yolov4.cfg":
					fmt.Fprint(w, "[net]")
				default:
					http.Error(w, "Not Found", http.StatusNotFound)
				}
			},
			expectedWeights: "yolov4.weights",
			expectedConfigs: []string{"yolov4.cfg"},
		},
		{
			name:    "Model not found on HuggingFace API",
			modelID: "nonexistent/model",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Not Found", http.StatusNotFound)
			},
			expectedError: "status 404 Not Found",
		},
		{
			name:    "No weights in repository",
			modelID: "test-org/onnx-only",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"modelId": "test-org/onnx-only","siblings": [{"rfilename": "model.onnx"}]}`)
			},
			expectedError: "no weights file found for model test-org/onnx-only",
		},
		{
			name:    "CDN download failure",
			modelID: "test-org/cdn-fail",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"modelId": "test-org/cdn-fail","siblings": [{"rfilename": "best.pt"}]}`)
			},
			cdnHandler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			},
			expectedError: "failed to download best.pt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withServers(t, tt.apiHandler, tt.cdnHandler)
			tempDir := t.TempDir()

			result, err := NewHuggingFaceSource("").DownloadModel(context.Background(), tt.modelID, tempDir)
			if tt.expectedError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("Expected error containing %q, got %v", tt.expectedError, err)
				}
				if result != nil {
					t.Errorf("Expected nil result on error, got %v", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, but got: %v", err)
			}

			if want := filepath.Join(tempDir, tt.expectedWeights); result.WeightsPath != want {
				t.Errorf("Expected WeightsPath %s, got %s", want, result.WeightsPath)
			}
			if _, err := os.Stat(result.WeightsPath); err != nil {
				t.Errorf("Downloaded weights missing: %v", err)
			}
			if len(result.ConfigPaths) != len(tt.expectedConfigs) {
				t.Fatalf("Expected %d config paths, got %v", len(tt.expectedConfigs), result.ConfigPaths)
			}
			for i, c := range tt.expectedConfigs {
				if want := filepath.Join(tempDir, c); result.ConfigPaths[i] != want {
					t.Errorf("config %d = %s, want %s", i, result.ConfigPaths[i], want)
				}
				if _, err := os.Stat(result.ConfigPaths[i]); err != nil {
					t.Errorf("Downloaded config missing: %v", err)
				}
			}
		})
	}
}

func TestHuggingFaceSource_SendsAPIKey(t *testing.T) {
	var seen []string
	auth := func(next func(w http.ResponseWriter)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next(w)
		}
	}
	withServers(t,
		auth(func(w http.ResponseWriter) {
			seen = append(seen, "api")
			fmt.Fprint(w, `{"siblings": [{"rfilename": "yolov5s.safetensors"}]}`)
		}),
		auth(func(w http.ResponseWriter) { fmt.Fprint(w, "weights") }),
	)

	t.Setenv("HF_API_KEY", "")
	if _, err := NewHuggingFaceSource("").DownloadModel(context.Background(), "org/private", t.TempDir()); err == nil {
		t.Fatal("expected an error without an API key")
	}

	t.Setenv("HF_API_KEY", "secret")
	result, err := NewHuggingFaceSource("").DownloadModel(context.Background(), "org/private", t.TempDir())
	if err != nil {
		t.Fatalf("DownloadModel with HF_API_KEY: %v", err)
	}
	if filepath.Base(result.WeightsPath) != "yolov5s.safetensors" {
		t.Errorf("WeightsPath = %s", result.WeightsPath)
	}
	if len(seen) != 1 {
		t.Errorf("api served %d authorized requests, want 1", len(seen))
	}
}

func TestHuggingFaceSource_Cancelled(t *testing.T) {
	withServers(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"siblings": [{"rfilename": "yolov4.weights"}]}`)
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHuggingFaceSource("").DownloadModel(ctx, "org/model", t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
