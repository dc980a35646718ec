// Package processing runs the AI analysis of stored diary entries in the
// background and reports the outcome to the user.
package processing

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/ai"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/media"
	"mindforms_diary_bot/internal/metrics"
	"mindforms_diary_bot/internal/worker"
)

// ClassifyThreshold is the minimum classifier confidence to accept a type
// without asking the user.
const ClassifyThreshold = 0.6

const (
	defaultMaxRetries      = 3
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 30 * time.Second
	// An entry claimed this many times is failed without another attempt.
	maxClaims       = 5
	resumeBatchSize = 100
)

type entryStore interface {
	ClaimPending(ctx context.Context, id string) (domain.Entry, bool, error)
	MarkDone(ctx context.Context, id, text, analysis string, newType domain.EntryType) error
	MarkFailed(ctx context.Context, id, reason string) error
	ListPending(ctx context.Context, limit int) ([]domain.Entry, error)
}

type mediaStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type analyzer interface {
	Transcribe(ctx context.Context, audio []byte, filename, mime string) (ai.Transcript, error)
	OCRHandwriting(ctx context.Context, image []byte, mime string) (ai.OCRResult, error)
	AnalyzeFace(ctx context.Context, image []byte, mime string) (ai.FaceAnalysis, error)
	ClassifyText(ctx context.Context, text string) ai.Classification
}

type submitter interface {
	Submit(ctx context.Context, key int64, name string, job worker.Job) error
}

// Notifier tells the user how processing of an entry ended.
type Notifier interface {
	EntryProcessed(ctx context.Context, entry domain.Entry) error
	EntryFailed(ctx context.Context, entry domain.Entry) error
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Entries  entryStore
	Media    mediaStore
	AI       analyzer
	Notifier Notifier
	Executor submitter
}

// Config tunes the retry policy. Zero values pick defaults.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Processor turns pending entries into done or failed ones.
type Processor struct {
	entries  entryStore
	media    mediaStore
	ai       analyzer
	notifier Notifier
	exec     submitter
	cfg      Config
	logger   *logrus.Entry
}

type result struct {
	text    string
	meta    map[string]any
	newType domain.EntryType
}

// New builds a Processor.
func New(deps Deps, cfg Config, logger *logrus.Entry) *Processor {
	if logger == nil {
		logger = logging.Component("processing")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}

	return &Processor{
		entries:  deps.Entries,
		media:    deps.Media,
		ai:       deps.AI,
		notifier: deps.Notifier,
		exec:     deps.Executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Enqueue schedules processing of entry on the executor shard of its user.
func (p *Processor) Enqueue(ctx context.Context, entry domain.Entry) error {
	if p == nil || p.exec == nil {
		return errors.New("processor is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	id := entry.ID
	err := p.exec.Submit(ctx, entry.TelegramUserID, "process_entry", func(jobCtx context.Context) error {
		return p.Process(jobCtx, id)
	})
	if err != nil {
		return fmt.Errorf("enqueue entry %s: %w", id, err)
	}

	return nil
}

// Resume enqueues entries left pending by a previous run.
func (p *Processor) Resume(ctx context.Context) (int, error) {
	if p == nil || p.entries == nil {
		return 0, errors.New("processor is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	pending, err := p.entries.ListPending(ctx, resumeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("resume pending entries: %w", err)
	}

	queued := 0
	for _, entry := range pending {
		if err := p.Enqueue(ctx, entry); err != nil {
			return queued, err
		}
		queued++
	}

	if queued > 0 {
		p.logger.WithFields(logrus.Fields{
			"event": "processing_resumed",
			"count": queued,
		}).Info("resumed pending entries")
	}

	return queued, nil
}

// Process claims the entry, analyzes it and records the outcome. An entry
// that is no longer pending is left alone.
func (p *Processor) Process(ctx context.Context, id string) error {
	if p == nil || p.entries == nil || p.ai == nil {
		return errors.New("processor is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	entry, ok, err := p.entries.ClaimPending(ctx, id)
	if err != nil {
		return fmt.Errorf("claim entry %s: %w", id, err)
	}
	if !ok {
		p.logger.WithFields(logrus.Fields{
			"event":    "processing_skipped",
			"entry_id": id,
		}).Debug("entry is not pending")
		return nil
	}

	logger := logging.Context{
		UserID:    entry.TelegramUserID,
		EntryID:   entry.ID,
		EntryType: string(entry.EntryType),
		LocalDate: entry.LocalDate,
	}.On(p.logger).WithField("source", string(entry.SourceType))

	if entry.Attempts > maxClaims {
		return p.fail(ctx, entry, fmt.Errorf("gave up after %d claims", entry.Attempts), logger)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.MaxRetries)), ctx)
	res, err := backoff.RetryNotifyWithData(func() (result, error) {
		return p.attempt(ctx, entry)
	}, policy, func(err error, next time.Duration) {
		metrics.ProcessingTotal.WithLabelValues(string(entry.EntryType), "retry").Inc()
		logger.WithFields(logrus.Fields{
			"event": "processing_retry",
			"error": err,
			"wait":  next.String(),
		}).Warn("entry processing failed, retrying")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Leave the entry pending so Resume picks it up after a restart.
			logger.WithFields(logrus.Fields{
				"event": "processing_interrupted",
				"error": ctxErr,
			}).Warn("entry processing interrupted")
			return ctxErr
		}
		return p.fail(ctx, entry, err, logger)
	}

	analysis, err := domain.EncodeMeta(res.meta)
	if err != nil {
		return p.fail(ctx, entry, err, logger)
	}
	if err := p.entries.MarkDone(ctx, entry.ID, res.text, analysis, res.newType); err != nil {
		return fmt.Errorf("mark entry %s done: %w", entry.ID, err)
	}

	entry.Status = domain.StatusDone
	entry.TextContent = res.text
	entry.Analysis = analysis
	if res.newType != "" {
		entry.EntryType = res.newType
	}

	metrics.ProcessingTotal.WithLabelValues(string(entry.EntryType), "done").Inc()
	logger.WithField("event", "processing_done").Info("entry processed")

	if p.notifier != nil {
		if err := p.notifier.EntryProcessed(ctx, entry); err != nil {
			logger.WithFields(logrus.Fields{
				"event": "summary_send_failed",
				"error": err,
			}).Warn("failed to send entry summary")
		}
	}

	return nil
}

func (p *Processor) fail(ctx context.Context, entry domain.Entry, cause error, logger *logrus.Entry) error {
	metrics.ProcessingTotal.WithLabelValues(string(entry.EntryType), "failed").Inc()
	logger.WithFields(logrus.Fields{
		"event": "processing_failed",
		"error": cause,
	}).Error("entry processing failed")

	if err := p.entries.MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark entry %s failed: %w", entry.ID, err)
	}

	entry.Status = domain.StatusFailed
	if p.notifier != nil {
		if err := p.notifier.EntryFailed(ctx, entry); err != nil {
			logger.WithFields(logrus.Fields{
				"event": "failure_notice_failed",
				"error": err,
			}).Warn("failed to notify user about processing failure")
		}
	}

	return nil
}

func (p *Processor) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.cfg.InitialInterval),
		backoff.WithMaxInterval(p.cfg.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
}

// attempt runs one analysis pass. Errors that cannot succeed on retry are
// wrapped with backoff.Permanent.
func (p *Processor) attempt(ctx context.Context, entry domain.Entry) (result, error) {
	if !needsAnalysis(entry) {
		return result{text: entry.TextContent, meta: map[string]any{}}, nil
	}

	if p.media == nil {
		return result{}, backoff.Permanent(errors.New("media store is not initialized"))
	}
	data, err := p.media.Get(ctx, entry.MediaKey)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return result{}, backoff.Permanent(fmt.Errorf("load media %s: %w", entry.MediaKey, err))
		}
		return result{}, fmt.Errorf("load media %s: %w", entry.MediaKey, err)
	}

	res, err := p.analyze(ctx, entry, data)
	if err != nil {
		if ai.IsPermanent(err) {
			return result{}, backoff.Permanent(err)
		}
		return result{}, err
	}

	return res, nil
}

func (p *Processor) analyze(ctx context.Context, entry domain.Entry, data []byte) (result, error) {
	mime := entry.MediaMime

	switch {
	case entry.SourceType == domain.SourceVoice:
		if mime == "" {
			mime = "audio/ogg"
		}
		transcript, err := p.ai.Transcribe(ctx, data, path.Base(entry.MediaKey), mime)
		if err != nil {
			return result{}, fmt.Errorf("transcribe: %w", err)
		}

		res := result{
			text: transcript.Text,
			meta: map[string]any{"transcript_language": transcript.Language},
		}
		if entry.AutoTyped && strings.TrimSpace(transcript.Text) != "" {
			class := p.ai.ClassifyText(ctx, transcript.Text)
			res.meta["classification"] = map[string]any{
				"event_type": class.Type,
				"confidence": class.Confidence,
				"reasoning":  class.Reasoning,
			}
			if t := domain.EntryType(class.Type); t.Valid() && class.Confidence >= ClassifyThreshold {
				res.newType = t
			}
		}
		return res, nil

	case entry.EntryType == domain.EntryMindform:
		if mime == "" {
			mime = "image/jpeg"
		}
		ocr, err := p.ai.OCRHandwriting(ctx, data, mime)
		if err != nil {
			return result{}, fmt.Errorf("ocr: %w", err)
		}

		text := ocr.CleanedText
		if strings.TrimSpace(text) == "" {
			text = ocr.RawText
		}
		return result{
			text: text,
			meta: map[string]any{"ocr": map[string]any{
				"raw_text":   ocr.RawText,
				"language":   ocr.Language,
				"confidence": ocr.Confidence,
				"notes":      ocr.Notes,
			}},
		}, nil

	case entry.EntryType == domain.EntryFacePhoto:
		if mime == "" {
			mime = "image/jpeg"
		}
		face, err := p.ai.AnalyzeFace(ctx, data, mime)
		if err != nil {
			return result{}, fmt.Errorf("analyze face: %w", err)
		}

		return result{
			text: FormatFace(face),
			meta: map[string]any{"face": map[string]any{
				"dominant_emotion":  face.DominantEmotion,
				"stress_level_0_10": face.StressLevel,
				"confidence":        face.Confidence,
				"notes":             face.Notes,
			}},
		}, nil
	}

	return result{text: entry.TextContent, meta: map[string]any{}}, nil
}

// NeedsProcessing reports whether a freshly stored entry has work for the
// processor. Other entries are stored as done right away.
func NeedsProcessing(entry domain.Entry) bool {
	return needsAnalysis(entry)
}

func needsAnalysis(entry domain.Entry) bool {
	if !entry.HasMedia() {
		return false
	}
	switch {
	case entry.SourceType == domain.SourceVoice:
		return true
	case entry.EntryType == domain.EntryMindform, entry.EntryType == domain.EntryFacePhoto:
		return true
	}
	return false
}

// FormatFace renders a face analysis as entry text.
func FormatFace(face ai.FaceAnalysis) string {
	return fmt.Sprintf("Emotion: %s\nStress level: %g/10\nConfidence: %.2f",
		face.DominantEmotion, face.StressLevel, face.Confidence)
}
