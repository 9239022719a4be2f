package pipeline

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"deckplane/internal/runtime"
	"deckplane/internal/tracker"
)

// maxLogLine bounds a single scanned line. A longer line ends the stream with bufio.ErrTooLong.
const maxLogLine = 1 << 20

const sinkWriteTimeout = 5 * time.Second

// managedContainer ties a started container to the tracker and to its log stream.
// release is safe to call more than once and from several goroutines.
type managedContainer struct {
	handle  runtime.Handle
	tracker *tracker.Tracker
	log     *slog.Logger

	streamCancel context.CancelFunc
	streamDone   chan struct{}

	mu     sync.Mutex
	output strings.Builder

	releaseOnce sync.Once
	releaseErr  error
}

type streamConfig struct {
	sink          LogSink
	chunk         LogChunk
	batchSize     int
	flushInterval time.Duration
}

// manage registers handle and starts streaming its logs. The stream context is
// detached from ctx's cancellation so trailing output survives a stage deadline;
// it ends when the container is gone or release cancels it.
func manage(ctx context.Context, handle runtime.Handle, tr *tracker.Tracker, log *slog.Logger, sc streamConfig) *managedContainer {
	tr.Register(handle.ID())

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mc := &managedContainer{
		handle:       handle,
		tracker:      tr,
		log:          log.With("container", runtime.ShortID(handle.ID())),
		streamCancel: cancel,
		streamDone:   make(chan struct{}),
	}
	go func() {
		defer close(mc.streamDone)
		mc.streamLogs(streamCtx, sc)
	}()
	return mc
}

func (mc *managedContainer) streamLogs(ctx context.Context, sc streamConfig) {
	rc, err := mc.handle.StreamLogs(ctx)
	if err != nil {
		mc.log.Warn("failed to open log stream", "error", err)
		return
	}
	defer rc.Close()

	var batch []string
	flushTicker := time.NewTicker(sc.flushInterval)
	defer flushTicker.Stop()

	lineChan := make(chan string, sc.batchSize)

	go func() {
		defer close(lineChan)
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), maxLogLine)
		for scanner.Scan() {
			line := scanner.Text()
			// Postgres rejects \x00 in text columns.
			if strings.Contains(line, "\x00") {
				line = strings.ReplaceAll(line, "\x00", "")
			}
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			mc.log.Warn("log stream ended with error", "error", err)
		}
	}()

	flush := func() {
		if len(batch) == 0 || sc.sink == nil {
			batch = batch[:0]
			return
		}
		chunk := sc.chunk
		chunk.Content = strings.Join(batch, "\n")
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkWriteTimeout)
		defer cancel()
		if err := sc.sink.AppendStageLog(sinkCtx, chunk); err != nil {
			mc.log.Warn("failed to persist stage logs", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case line, ok := <-lineChan:
			if !ok {
				flush()
				return
			}
			mc.log.Info(line)
			mc.mu.Lock()
			mc.output.WriteString(line)
			mc.output.WriteByte('\n')
			mc.mu.Unlock()

			batch = append(batch, line)
			if len(batch) >= sc.batchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// join waits up to grace for the log stream to finish on its own, then cuts it.
func (mc *managedContainer) join(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-mc.streamDone:
	case <-timer.C:
		mc.log.Warn("log stream did not finish in time", "grace", grace)
		mc.streamCancel()
		<-mc.streamDone
	}
}

// Output returns the lines captured so far.
func (mc *managedContainer) Output() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.output.String()
}

// release force-deletes the container unless a shutdown drain already claimed it,
// and waits for the log stream goroutine. When deletion fails the container stays
// tracked so a later drain retries it.
func (mc *managedContainer) release(ctx context.Context) error {
	mc.releaseOnce.Do(func() {
		id := mc.handle.ID()
		defer func() {
			mc.streamCancel()
			<-mc.streamDone
		}()

		if !mc.tracker.Claim(id) {
			mc.log.Debug("container already claimed by another cleanup")
			return
		}
		if err := mc.handle.ForceDelete(ctx); err != nil {
			mc.tracker.Release(id)
			mc.releaseErr = err
			mc.log.Error("failed to remove container", "error", err)
			return
		}
		mc.tracker.Unregister(id)
		mc.log.Debug("container removed")
	})
	return mc.releaseErr
}
