// Package speech runs generate-then-play jobs. A new job preempts the one in
// flight, so at most one playback process exists at any time.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/tts"
)

const scopeName = "github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/speech"

var tracer = otel.Tracer(scopeName)

// ErrPreempted marks a job cancelled by a newer one or by Stop.
var ErrPreempted = errors.New("preempted by a newer request")

// Result is the outcome of one job.
type Result struct {
	JobID   string
	Status  string // "success" or "error"
	Message string
	Err     error
}

func (r Result) OK() bool { return r.Status == "success" }

// Player plays an audio file and returns once playback ended. Cancelling
// ctx must stop playback.
type Player interface {
	Play(ctx context.Context, path string) error
}

// Pipeline owns the single playback slot.
type Pipeline struct {
	synth   tts.Synthesizer
	player  Player
	tempDir string
	log     *slog.Logger

	mu      sync.Mutex
	current *job
}

type job struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a pipeline writing transient audio into tempDir ("" means the
// system default).
func New(synth tts.Synthesizer, player Player, tempDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{synth: synth, player: player, tempDir: tempDir, log: logger}
}

// begin installs a new job and retires the previous one. It returns once
// the previous job, including its playback process, is gone.
func (p *Pipeline) begin(ctx context.Context) (*job, context.Context) {
	jctx, cancel := context.WithCancelCause(ctx)
	j := &job{id: uuid.NewString(), done: make(chan struct{})}
	j.cancel = func() { cancel(ErrPreempted) }

	p.mu.Lock()
	prev := p.current
	p.current = j
	p.mu.Unlock()

	if prev != nil {
		p.log.Info("preempting speech job", "job_id", prev.id, "by", j.id)
		prev.cancel()
		<-prev.done
	}
	return j, jctx
}

func (p *Pipeline) finish(j *job) {
	p.mu.Lock()
	if p.current == j {
		p.current = nil
	}
	p.mu.Unlock()
	j.cancel()
	close(j.done)
}

// Active reports whether a job is in flight.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Stop cancels the job in flight, if any, and waits for it.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	j := p.current
	p.mu.Unlock()
	if j != nil {
		j.cancel()
		<-j.done
	}
}

// Speak generates audio for text and plays it. The transient file is
// always removed.
func (p *Pipeline) Speak(ctx context.Context, text string) Result {
	j, jctx := p.begin(ctx)
	defer p.finish(j)

	jctx, span := tracer.Start(jctx, "speech.job")
	defer span.End()
	span.SetAttributes(attribute.String("speech.job_id", j.id), attribute.Int("speech.text_len", len(text)))

	res := p.speak(jctx, j, text)
	if !res.OK() {
		span.SetStatus(codes.Error, res.Message)
	}
	p.log.Info("speech job finished", "job_id", j.id, "status", res.Status, "message", res.Message)
	return res
}

func (p *Pipeline) speak(ctx context.Context, j *job, text string) Result {
	audio, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return p.failure(ctx, j, "Speech generation failed", err)
	}

	f, err := os.CreateTemp(p.tempDir, "tts-*.wav")
	if err != nil {
		return p.failure(ctx, j, "Could not store generated audio", err)
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("remove transient audio", "path", path, "error", err)
		}
	}()
	_, werr := f.Write(audio)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return p.failure(ctx, j, "Could not store generated audio", err)
	}
	p.log.Info("generated audio stored", "job_id", j.id, "path", path, "bytes", len(audio))

	if err := p.play(ctx, path); err != nil {
		return p.failure(ctx, j, "Playback failed", err)
	}
	return Result{JobID: j.id, Status: "success", Message: "Speech played."}
}

// PlayFile plays an existing file under the same single-playback rule. The
// file is left in place.
func (p *Pipeline) PlayFile(ctx context.Context, path string) Result {
	j, jctx := p.begin(ctx)
	defer p.finish(j)

	if _, err := os.Stat(path); err != nil {
		return p.failure(jctx, j, "Sound file unavailable", err)
	}
	if err := p.play(jctx, path); err != nil {
		return p.failure(jctx, j, "Playback failed", err)
	}
	p.log.Info("sound file played", "job_id", j.id, "path", path)
	return Result{JobID: j.id, Status: "success", Message: "Sound played."}
}

func (p *Pipeline) play(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.player.Play(ctx, path)
}

func (p *Pipeline) failure(ctx context.Context, j *job, stage string, err error) Result {
	if cause := context.Cause(ctx); errors.Is(cause, ErrPreempted) {
		err = ErrPreempted
		stage = "Speech job cancelled"
	}
	if !errors.Is(err, ErrPreempted) {
		p.log.Warn("speech job failed", "job_id", j.id, "stage", stage, "error", err)
	}
	return Result{JobID: j.id, Status: "error", Message: fmt.Sprintf("%s: %v", stage, err), Err: err}
}
