package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// filePrefix selects file replay as capture device ("file:/path/to/audio.wav").
const filePrefix = "file:"

// Opener opens the audio source of one recording. session is the engine
// capture session the recording is anchored to, or 0 for unanchored capture.
// Closing the returned reader must unblock a pending Read. Readers that
// also implement Interrupt() are interrupted that way on StopRecording and
// closed by the recording goroutine. The pipeline closes each reader once.
type Opener interface {
	Open(ctx context.Context, session int) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(ctx context.Context, session int) (io.ReadCloser, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, session int) (io.ReadCloser, error) {
	return f(ctx, session)
}

// NewOpener returns the opener for the configured capture device.
func NewOpener(cfg config.CaptureConfig, logger *slog.Logger) Opener {
	if path, ok := strings.CutPrefix(cfg.Device, filePrefix); ok {
		return &FileOpener{Path: path, SampleRate: cfg.SampleRate}
	}
	return &CommandOpener{
		Device:     cfg.Device,
		FFmpegPath: util.LookupTool(cfg.FFmpegPath, "ffmpeg"),
		SampleRate: cfg.SampleRate,
		Logger:     logger,
	}
}

// CommandOpener captures mono PCM from the platform capture command
// (arecord on Linux, FFmpeg elsewhere). The command has no notion of engine
// capture sessions; anchored recordings read the live device.
type CommandOpener struct {
	Device     string
	FFmpegPath string
	SampleRate int
	Logger     *slog.Logger
}

// Open starts the capture process.
func (o *CommandOpener) Open(_ context.Context, session int) (io.ReadCloser, error) {
	name, args, err := audio.BuildCaptureCommand(o.Device, o.FFmpegPath, o.SampleRate)
	if err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("starting audio capture", "command", name, "device", o.Device, "session", session)

	// The process outlives the caller's context; Close ends it.
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return util.InterruptProcess(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	p := &process{cmd: cmd, stdout: stdout, cancel: cancel, logger: logger}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start capture process", err)
	}
	return p, nil
}

// process is a running capture command.
type process struct {
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	cancel      context.CancelFunc
	logger      *slog.Logger
	stderr      bytes.Buffer
	interrupted atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

func (p *process) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, os.ErrClosed) {
		return n, io.EOF
	}
	return n, err
}

// Interrupt signals the process without waiting for it to exit.
func (p *process) Interrupt() {
	p.interrupted.Store(true)
	p.cancel()
}

// Close stops the process and waits for it to exit.
func (p *process) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		err := p.cmd.Wait()
		if err != nil && !p.interrupted.Load() {
			p.logger.Warn("capture process exited with error",
				"error", err, "stderr", util.StderrSummary(p.stderr.String()))
			p.closeErr = err
		}
	})
	return p.closeErr
}

// FileOpener replays a raw s16le or WAV file at real-time pace.
type FileOpener struct {
	Path       string
	SampleRate int
}

// Open opens the file. session is ignored.
func (o *FileOpener) Open(_ context.Context, _ int) (io.ReadCloser, error) {
	f, err := os.Open(o.Path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(o.Path), ".wav") {
		if _, err := f.Seek(audio.WAVHeaderSize, io.SeekStart); err != nil {
			_ = f.Close() //nolint:errcheck // Already failing
			return nil, err
		}
	}
	return &pacedReader{
		r:           f,
		closer:      f,
		bytesPerSec: float64(o.SampleRate * types.Channels * types.BytesPerSample),
		start:       time.Now(),
		done:        make(chan struct{}),
	}, nil
}

// pacedReader delays reads so data arrives no faster than real time.
type pacedReader struct {
	r           io.Reader
	closer      io.Closer
	bytesPerSec float64
	start       time.Time
	read        int64
	done        chan struct{}
	closeOnce   sync.Once
}

func (p *pacedReader) Read(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.EOF
	default:
	}
	n, err := p.r.Read(b)
	p.read += int64(n)
	due := p.start.Add(time.Duration(float64(p.read) / p.bytesPerSec * float64(time.Second)))
	if wait := time.Until(due); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.done:
			return n, io.EOF
		}
	}
	return n, err
}

func (p *pacedReader) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.closer.Close()
	})
	return err
}
