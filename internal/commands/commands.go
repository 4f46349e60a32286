// Package commands is the operation surface offered to the host shell:
// syllable splitting, tone lookup and speech playback, plus a greeting used
// to check that the host can reach the process at all.
//
// Every failing command reports a single user-facing description built by
// [Describe]. The underlying error stays reachable through errors.Is and
// errors.As.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pinyinvox/pinyinvox/internal/observe"
	"github.com/pinyinvox/pinyinvox/internal/tone"
	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// PlayResult is what a successful PlaySpeech returns.
const PlayResult = "OK"

// Command names, as used by the HTTP invoke API and in metrics.
const (
	CommandSplit = "split"
	CommandTone  = "tone"
	CommandPlay  = "play"
	CommandGreet = "greet"
)

// Splitter segments pinyin text.
type Splitter interface {
	Split(text string) string
}

// ToneLookup resolves the tones of pinyin text.
type ToneLookup interface {
	Lookup(ctx context.Context, text string) (tone.Result, error)
}

// Speaker synthesizes text and plays it to completion.
type Speaker interface {
	Play(ctx context.Context, text string) error
}

// Error is returned by failing commands. Its message is the user-facing
// description; Err is the cause.
type Error struct {
	Command string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Option configures [Commands].
type Option func(*Commands)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Commands) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Commands binds the operations to their collaborators. It is safe for
// concurrent use; PlaySpeech calls queue behind each other in the Speaker.
type Commands struct {
	splitter Splitter
	tones    ToneLookup
	speaker  Speaker
	metrics  *observe.Metrics
}

// New creates the command surface.
func New(splitter Splitter, tones ToneLookup, speaker Speaker, opts ...Option) *Commands {
	c := &Commands{
		splitter: splitter,
		tones:    tones,
		speaker:  speaker,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SplitSyllables segments text into space-separated syllables.
func (c *Commands) SplitSyllables(ctx context.Context, text string) string {
	out := c.splitter.Split(text)
	c.metrics.RecordCommand(ctx, CommandSplit, "ok")
	return out
}

// LookupTone resolves the tones of text.
func (c *Commands) LookupTone(ctx context.Context, text string) (tone.Result, error) {
	res, err := c.tones.Lookup(ctx, text)
	if err != nil {
		return tone.Result{}, c.fail(ctx, CommandTone, err)
	}
	c.metrics.RecordCommand(ctx, CommandTone, "ok")
	return res, nil
}

// PlaySpeech synthesizes text and plays it, returning [PlayResult] only once
// the audio has finished playing.
func (c *Commands) PlaySpeech(ctx context.Context, text string) (string, error) {
	start := time.Now()
	if err := c.speaker.Play(ctx, text); err != nil {
		return "", c.fail(ctx, CommandPlay, err)
	}
	c.metrics.RecordCommand(ctx, CommandPlay, "ok")
	observe.Logger(ctx).Debug("speech played", "duration", time.Since(start))
	return PlayResult, nil
}

// Greet returns a fixed greeting for name.
func (c *Commands) Greet(ctx context.Context, name string) string {
	c.metrics.RecordCommand(ctx, CommandGreet, "ok")
	return Greet(name)
}

// Greet returns a fixed greeting for name.
func Greet(name string) string {
	return fmt.Sprintf("Hello, %s! You've been greeted from pinyinvox!", name)
}

func (c *Commands) fail(ctx context.Context, command string, err error) error {
	c.metrics.RecordCommand(ctx, command, "error")
	msg := Describe(err)
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) {
		level = slog.LevelInfo
	}
	observe.Logger(ctx).Log(ctx, level, "command failed", "command", command, "err", err)
	return &Error{Command: command, Message: msg, Err: err}
}

// Describe turns err into one sentence for the user. Known failure classes
// get a fixed description; anything else falls back to err's own text.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, tts.ErrConnect):
		return "could not connect to the speech service"
	case errors.Is(err, tts.ErrTransport):
		return "lost the connection to the speech service"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "the audio output device is unavailable"
	case errors.Is(err, audio.ErrOutputBusy):
		return "the audio output is busy"
	case errors.Is(err, audio.ErrSinkClosed):
		return "playback was stopped"
	case errors.Is(err, tone.ErrUnavailable):
		return "the tone service is unavailable"
	case errors.Is(err, tone.ErrRejected):
		return "the tone service rejected the input"
	case errors.Is(err, tone.ErrBadResponse):
		return "the tone service returned an invalid response"
	default:
		return err.Error()
	}
}
