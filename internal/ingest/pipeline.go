// Package ingest turns uploaded files into indexed chunks: it deduplicates
// uploads by content hash, queues a job per new file, and runs the jobs in
// the background.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/loader"
	"github.com/kalambet/notebook/internal/storage"
)

// Upload messages.
const (
	MessageQueued = "queued"
	MessageExists = "File already exists"
)

// ErrSourceBusy is returned when removing a source whose job has not finished.
var ErrSourceBusy = errors.New("source is still being ingested")

// SourceStore is the subset of storage the pipeline needs.
type SourceStore interface {
	SaveSource(src storage.Source) error
	GetSource(id string) (storage.Source, error)
	DeleteSource(id string) error
	EnqueueJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
}

// BlobStore keeps raw uploads.
type BlobStore interface {
	Exists(id string) bool
	Put(id string, data []byte) error
	Get(id string) ([]byte, error)
	Delete(id string) error
}

// SourceRemover drops a source's vectors.
type SourceRemover interface {
	RemoveSource(ctx context.Context, sourceID string) (int, error)
}

// Waker is notified when a job is queued.
type Waker interface {
	Wake()
}

// File is one uploaded file.
type File struct {
	Name string
	Data []byte
}

// UploadResult describes what happened to one uploaded file. JobID is empty
// when the file was already known.
type UploadResult struct {
	SourceID string `json:"fileId"`
	Name     string `json:"name"`
	JobID    string `json:"jobId,omitempty"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// PipelineConfig wires the pipeline.
type PipelineConfig struct {
	Store   SourceStore
	Blobs   BlobStore
	Vectors SourceRemover
	Worker  Waker         // optional
	Events  JobPublisher  // optional
	Watcher *Watcher      // optional; follows each queued job in the background
	MaxSize int64         // bytes per file; <= 0 means unlimited
	Clock   func() time.Time
}

// Pipeline accepts uploads and removals.
type Pipeline struct {
	store   SourceStore
	blobs   BlobStore
	vectors SourceRemover
	worker  Waker
	events  JobPublisher
	watcher *Watcher
	maxSize int64
	now     func() time.Time
	logger  *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	watching sync.WaitGroup
}

// NewPipeline creates a Pipeline. Close stops the background watchers.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:   cfg.Store,
		blobs:   cfg.Blobs,
		vectors: cfg.Vectors,
		worker:  cfg.Worker,
		events:  cfg.Events,
		watcher: cfg.Watcher,
		maxSize: cfg.MaxSize,
		now:     cfg.Clock,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SourceID derives the source identifier from the file name and contents.
// The name is part of the hash, so identical bytes under two names are two
// sources.
func SourceID(name string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Upload stores a file and queues it for ingestion unless a file with the
// same name and contents was uploaded before.
func (p *Pipeline) Upload(ctx context.Context, name string, data []byte) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	name = cleanName(name)
	if name == "" {
		return UploadResult{}, fmt.Errorf("file name is required: %w", apperr.ErrInvalidInput)
	}
	if p.maxSize > 0 && int64(len(data)) > p.maxSize {
		return UploadResult{}, fmt.Errorf("%s is %d bytes, limit is %d: %w", name, len(data), p.maxSize, apperr.ErrInvalidInput)
	}

	id := SourceID(name, data)
	exists := UploadResult{SourceID: id, Name: name, Message: MessageExists}

	if p.blobs.Exists(id) {
		_, err := p.store.GetSource(id)
		if err == nil {
			return exists, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return UploadResult{}, fmt.Errorf("looking up source: %w", err)
		}
		// Blob without a source row: a previous upload died half-way.
		p.logger.Warn("removing orphaned upload", "source_id", id)
		if err := p.blobs.Delete(id); err != nil {
			return UploadResult{}, fmt.Errorf("removing orphaned upload: %w", err)
		}
	}

	format, err := loader.Detect(name, data)
	if err != nil {
		return UploadResult{}, err
	}

	if err := p.blobs.Put(id, data); err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			return exists, nil
		}
		return UploadResult{}, fmt.Errorf("storing upload: %w", err)
	}

	jobID := uuid.New().String()
	src := storage.Source{
		SourceID:    id,
		Name:        name,
		Size:        int64(len(data)),
		ContentType: string(format),
		JobID:       jobID,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store.SaveSource(src); err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			return exists, nil
		}
		p.blobs.Delete(id)
		return UploadResult{}, fmt.Errorf("recording source: %w", err)
	}

	if err := p.store.EnqueueJob(storage.Job{ID: jobID, SourceID: id, Name: name}); err != nil {
		p.store.DeleteSource(id)
		p.blobs.Delete(id)
		return UploadResult{}, fmt.Errorf("enqueueing job: %w", err)
	}

	if p.events != nil {
		if job, err := p.store.GetJob(jobID); err == nil {
			p.events.PublishJob(job)
		}
	}
	if p.worker != nil {
		p.worker.Wake()
	}
	p.watch(jobID)

	p.logger.Info("upload queued", "source_id", id, "job_id", jobID, "name", name, "format", format)
	return UploadResult{SourceID: id, Name: name, JobID: jobID, Message: MessageQueued}, nil
}

// UploadMany uploads each file independently. A failing file is reported in
// its result and does not stop the others.
func (p *Pipeline) UploadMany(ctx context.Context, files []File) []UploadResult {
	results := make([]UploadResult, 0, len(files))
	for _, f := range files {
		res, err := p.Upload(ctx, f.Name, f.Data)
		if err != nil {
			p.logger.Warn("upload rejected", "name", f.Name, "error", err)
			res = UploadResult{Name: cleanName(f.Name), Message: "failed", Error: err.Error()}
		}
		results = append(results, res)
	}
	return results
}

// RemoveSource deletes a source's vectors, archive, blob, and records.
// Sources whose job is still queued or active are refused with ErrSourceBusy.
func (p *Pipeline) RemoveSource(ctx context.Context, id string) error {
	src, err := p.store.GetSource(id)
	if err != nil {
		return err
	}
	if src.State == storage.JobQueued || src.State == storage.JobActive {
		return fmt.Errorf("%s: %w", id, ErrSourceBusy)
	}

	removed, err := p.vectors.RemoveSource(ctx, id)
	if err != nil {
		return fmt.Errorf("removing vectors: %w", err)
	}
	if err := p.store.DeleteSource(id); err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	if err := p.blobs.Delete(id); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}

	p.logger.Info("source removed", "source_id", id, "vectors", removed)
	return nil
}

func (p *Pipeline) watch(jobID string) {
	if p.watcher == nil {
		return
	}
	p.watching.Add(1)
	go func() {
		defer p.watching.Done()
		p.watcher.Watch(p.ctx, jobID)
	}()
}

// Close stops background watchers and waits for them to return.
func (p *Pipeline) Close() {
	p.cancel()
	p.watching.Wait()
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
