package supportbot

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

var (
	errArtifactJobTooOld = errors.New("artifact job too old")
	errNoJarInArtifact   = errors.New("no jar file found in artifact")
	errArtifactTooLarge  = errors.New("artifact file too large")
)

// ArtifactJob is a request to fetch a PR's build artifact and upload
// it to a channel
type ArtifactJob struct {
	PRNumber     int
	ArtifactID   int64
	ArtifactName string
	ChannelID    string
	RequestedBy  string
	Reference    *discordgo.MessageReference
	CreatedAt    time.Time
}

func (j ArtifactJob) Age() time.Duration {
	return time.Since(j.CreatedAt)
}

func (j ArtifactJob) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pr", j.PRNumber),
		slog.Int64("artifact_id", j.ArtifactID),
		slog.String("artifact_name", j.ArtifactName),
		slog.String("channel_id", j.ChannelID),
		slog.String("requested_by", j.RequestedBy),
	)
}

// ArtifactQueue is a bounded FIFO of artifact jobs. When full, the
// oldest job is dropped to make room. Jobs older than the configured
// max age are discarded instead of being handed out.
type ArtifactQueue struct {
	config *ArtifactConfig
	logger *slog.Logger
	mu     sync.Mutex
	jobs   []*ArtifactJob
	notify chan struct{}
}

func NewArtifactQueue(config *ArtifactConfig, logger *slog.Logger) *ArtifactQueue {
	return &ArtifactQueue{
		config: config,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Push adds job to the queue, returning its position (1-based)
func (q *ArtifactQueue) Push(ctx context.Context, job *ArtifactJob) (int, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if q.config.MaxAge > 0 && job.Age() > q.config.MaxAge {
		return 0, fmt.Errorf("%w: (age: %s)", errArtifactJobTooOld, job.Age())
	}

	q.mu.Lock()
	if q.config.QueueSize > 0 && len(q.jobs) >= q.config.QueueSize {
		dropped := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.logger.WarnContext(
			ctx,
			"queue full, dropped oldest artifact job",
			"dropped", dropped,
			"max_size", q.config.QueueSize,
		)
	}
	q.jobs = append(q.jobs, job)
	position := len(q.jobs)
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "queued artifact job", "job", job, "position", position)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return position, nil
}

// Pop returns the next job that isn't too old, or nil if there is none
func (q *ArtifactQueue) Pop(ctx context.Context) *ArtifactJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		if q.config.MaxAge > 0 && job.Age() > q.config.MaxAge {
			q.logger.WarnContext(
				ctx,
				"discarded old artifact job",
				"job", job,
				"max_age", q.config.MaxAge,
				"job_age", job.Age(),
			)
			continue
		}
		return job
	}
	return nil
}

func (q *ArtifactQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *ArtifactQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}

// ArtifactWorker downloads queued artifacts, pulls the jar out of the
// zip and uploads it. It runs on its own goroutine, never on the
// gateway callback.
type ArtifactWorker struct {
	queue   *ArtifactQueue
	github  GitHubClient
	session DiscordSessionHandler
	config  *ArtifactConfig
	logger  *slog.Logger
}

func NewArtifactWorker(
	queue *ArtifactQueue,
	github GitHubClient,
	session DiscordSessionHandler,
	config *ArtifactConfig,
	logger *slog.Logger,
) *ArtifactWorker {
	return &ArtifactWorker{
		queue:   queue,
		github:  github,
		session: session,
		config:  config,
		logger:  logger,
	}
}

// Run processes jobs until ctx is cancelled
func (w *ArtifactWorker) Run(ctx context.Context) {
	w.logger.InfoContext(ctx, "artifact worker started")
	defer w.logger.InfoContext(ctx, "artifact worker stopped")
	for {
		for job := w.queue.Pop(ctx); job != nil; job = w.queue.Pop(ctx) {
			w.process(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-w.queue.notify:
		}
	}
}

func (w *ArtifactWorker) process(ctx context.Context, job *ArtifactJob) {
	logger := w.logger.With("job", job)
	ctx = WithLogger(ctx, logger)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	started := time.Now()

	data, err := w.github.DownloadArtifact(ctx, job.ArtifactID)
	if err != nil {
		logger.ErrorContext(ctx, "error downloading artifact", tint.Err(err))
		w.notifyFailure(ctx, job, "Could not download the artifact.")
		return
	}

	name, content, err := extractJar(data, w.config.MaxFileSize)
	if err != nil {
		logger.ErrorContext(ctx, "error extracting artifact", tint.Err(err))
		switch {
		case errors.Is(err, errArtifactTooLarge):
			w.notifyFailure(ctx, job, "The build is too large to upload.")
		case errors.Is(err, errNoJarInArtifact):
			w.notifyFailure(ctx, job, "The artifact doesn't contain a jar file.")
		default:
			w.notifyFailure(ctx, job, "Could not read the artifact.")
		}
		return
	}

	_, err = w.session.ChannelMessageSendComplex(
		job.ChannelID,
		&discordgo.MessageSend{
			Content:   fmt.Sprintf("Build of PR #%d (%s)", job.PRNumber, job.ArtifactName),
			Reference: job.Reference,
			Files: []*discordgo.File{
				{
					Name:        name,
					ContentType: "application/java-archive",
					Reader:      bytes.NewReader(content),
				},
			},
			AllowedMentions: noMentions(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error uploading artifact", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"uploaded artifact",
		"file", name,
		"size", len(content),
		"elapsed", time.Since(started),
	)
}

func (w *ArtifactWorker) notifyFailure(ctx context.Context, job *ArtifactJob, msg string) {
	if _, err := w.session.ChannelMessageSendComplex(
		job.ChannelID,
		&discordgo.MessageSend{
			Content:         fmt.Sprintf("PR #%d: %s", job.PRNumber, msg),
			Reference:       job.Reference,
			AllowedMentions: noMentions(),
		},
		discordgo.WithContext(ctx),
	); err != nil {
		w.logger.ErrorContext(ctx, "error sending failure notice", tint.Err(err))
	}
}

// extractJar returns the first jar in the zip archive which isn't a
// sources or javadoc jar.
func extractJar(data []byte, maxSize int64) (string, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("error opening zip: %w", err)
	}
	for _, f := range zr.File {
		name := path.Base(f.Name)
		lower := strings.ToLower(name)
		if f.FileInfo().IsDir() || !strings.HasSuffix(lower, ".jar") ||
			strings.HasSuffix(lower, "-sources.jar") ||
			strings.HasSuffix(lower, "-javadoc.jar") {
			continue
		}
		if maxSize > 0 && f.UncompressedSize64 > uint64(maxSize) {
			return "", nil, fmt.Errorf("%w: %s is %d bytes", errArtifactTooLarge, name, f.UncompressedSize64)
		}
		rc, err := f.Open()
		if err != nil {
			return "", nil, err
		}
		var r io.Reader = rc
		if maxSize > 0 {
			r = io.LimitReader(rc, maxSize+1)
		}
		content, err := io.ReadAll(r)
		_ = rc.Close()
		if err != nil {
			return "", nil, err
		}
		if maxSize > 0 && int64(len(content)) > maxSize {
			return "", nil, fmt.Errorf("%w: %s", errArtifactTooLarge, name)
		}
		return name, content, nil
	}
	return "", nil, errNoJarInArtifact
}
