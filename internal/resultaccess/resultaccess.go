// Package resultaccess implements dual-mode manifest/file retrieval:
// either from storage shared with the runner (local filesystem or
// S3-compatible object storage) or proxy-streamed 1:1 from the runner's
// own HTTP API.
package resultaccess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/runnerclient"
)

// Sentinel errors, mapped to HTTP statuses by the API layer
// (ErrNotFound -> 404, ErrTraversal -> 400, ErrUpstream -> 502).
var (
	ErrNotFound  = errors.New("result not found")
	ErrTraversal = errors.New("file path escapes task directory")
	ErrUpstream  = errors.New("upstream error")
)

// RunnerLookup is the narrow registry view this package needs for proxy
// mode: resolving a task's assigned runner URL to its bearer token.
type RunnerLookup interface {
	Get(url string) (domain.Runner, bool)
}

// File is a stream the caller must Close, with metadata for response headers.
type File struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown (e.g. proxy mode without Content-Length)
	ContentType string
}

// Accessor implements both shared-storage and proxy result access modes.
type Accessor struct {
	sharedStorageEnabled bool
	localRoot            string

	s3Client *minio.Client
	s3Bucket string

	runnerClient *runnerclient.Client
	runners      RunnerLookup
	idleTimeout  time.Duration
}

// LocalConfig configures filesystem-backed shared storage.
type LocalConfig struct {
	Root string
}

// S3Config configures S3-compatible shared storage.
type S3Config struct {
	Client *minio.Client
	Bucket string
}

// NewSharedStorage creates an Accessor in shared-storage mode. Exactly one
// of local/s3 should be non-zero; s3 takes precedence if both are set.
func NewSharedStorage(local LocalConfig, s3 *S3Config) *Accessor {
	a := &Accessor{sharedStorageEnabled: true, localRoot: local.Root}
	if s3 != nil {
		a.s3Client = s3.Client
		a.s3Bucket = s3.Bucket
	}
	return a
}

// NewProxy creates an Accessor in proxy-stream mode, reading through the
// assigned runner's own result API.
func NewProxy(client *runnerclient.Client, runners RunnerLookup, idleTimeout time.Duration) *Accessor {
	return &Accessor{
		sharedStorageEnabled: false,
		runnerClient:         client,
		runners:              runners,
		idleTimeout:          idleTimeout,
	}
}

// GetManifest returns the parsed manifest.json stream for a task.
func (a *Accessor) GetManifest(ctx context.Context, task domain.Task) (*File, error) {
	if a.sharedStorageEnabled {
		return a.sharedFile(ctx, task.TaskID, "manifest.json")
	}
	return a.proxyFetch(ctx, task, "")
}

// GetFile returns a task output file stream, enforcing the path-traversal
// check in shared-storage mode (proxy mode delegates that responsibility
// to the runner, which owns the actual filesystem).
func (a *Accessor) GetFile(ctx context.Context, task domain.Task, filePath string) (*File, error) {
	if a.sharedStorageEnabled {
		clean, err := safeJoin(task.TaskID, filePath)
		if err != nil {
			return nil, err
		}
		return a.sharedFile(ctx, task.TaskID, clean)
	}
	return a.proxyFetch(ctx, task, filePath)
}

// safeJoin validates that filePath, once normalised, stays within the
// task's own directory, returning the cleaned relative path to use.
func safeJoin(taskID, filePath string) (string, error) {
	cleaned := filepath.Clean(filePath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrTraversal, filePath)
	}
	cleaned = strings.TrimPrefix(cleaned, "/") // an absolute path is read relative to the task directory
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %s", ErrTraversal, filePath)
	}
	return cleaned, nil
}

func (a *Accessor) sharedFile(ctx context.Context, taskID, relPath string) (*File, error) {
	if a.s3Client != nil {
		return a.s3File(ctx, taskID, relPath)
	}
	return a.localFile(taskID, relPath)
}

func (a *Accessor) localFile(taskID, relPath string) (*File, error) {
	taskDir := filepath.Join(a.localRoot, taskID)
	absTaskDir, err := filepath.Abs(taskDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	full := filepath.Join(absTaskDir, relPath)
	if full != absTaskDir && !strings.HasPrefix(full, absTaskDir+string(filepath.Separator)) {
		return nil, ErrTraversal
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &File{Body: f, Size: info.Size(), ContentType: contentTypeFor(relPath)}, nil
}

func (a *Accessor) s3File(ctx context.Context, taskID, relPath string) (*File, error) {
	key := taskID + "/" + relPath
	obj, err := a.s3Client.GetObject(ctx, a.s3Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &File{Body: obj, Size: info.Size, ContentType: contentTypeFor(relPath)}, nil
}

func (a *Accessor) proxyFetch(ctx context.Context, task domain.Task, filePath string) (*File, error) {
	if task.RunnerURL == "" {
		return nil, ErrNotFound
	}
	runner, ok := a.runners.Get(task.RunnerURL)
	if !ok {
		return nil, fmt.Errorf("%w: runner %s no longer registered", ErrUpstream, task.RunnerURL)
	}

	resp, err := a.runnerClient.StreamResult(ctx, runner.URL, runner.Token, task.TaskID, filePath, a.idleTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: runner returned status %d", ErrUpstream, resp.StatusCode)
	}

	size := int64(-1)
	if resp.ContentLength >= 0 {
		size = resp.ContentLength
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		name := filePath
		if name == "" {
			name = "manifest.json"
		}
		contentType = contentTypeFor(name)
	}
	return &File{Body: resp.Body, Size: size, ContentType: contentType}, nil
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".txt", ".vtt", ".srt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
