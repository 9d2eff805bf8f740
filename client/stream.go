package client

import (
	"context"
	"io"
	"sync"

	"github.com/execbox/sandbox/wire"
)

// streamQueue is the per-process delivery queue: a FIFO of output records
// terminated by a sentinel carrying the exit code. The demultiplexing loop
// pushes; exactly one consumer pops. Pushes never block, so one slow consumer
// cannot stall delivery to other in-flight processes.
type streamQueue struct {
	mu       sync.Mutex
	records  []wire.CommandOutput
	finished bool
	exitCode int
	err      error
	notify   chan struct{}
}

func newStreamQueue() *streamQueue {
	return &streamQueue{notify: make(chan struct{}, 1)}
}

func (q *streamQueue) push(record wire.CommandOutput) {
	q.mu.Lock()
	q.records = append(q.records, record)
	q.mu.Unlock()
	q.signal()
}

// finish enqueues the sentinel. Records already queued drain first.
func (q *streamQueue) finish(exitCode int) {
	q.mu.Lock()
	q.finished = true
	q.exitCode = exitCode
	q.mu.Unlock()
	q.signal()
}

// fail terminates the queue when the connection dies before the terminal
// event arrives.
func (q *streamQueue) fail(err error) {
	q.mu.Lock()
	if !q.finished {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *streamQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a record, the sentinel, or a failure arrives.
// ok=false with nil error means the sentinel: the stream is fully drained.
func (q *streamQueue) pop(ctx context.Context) (wire.CommandOutput, bool, error) {
	for {
		q.mu.Lock()
		if len(q.records) > 0 {
			record := q.records[0]
			q.records = q.records[1:]
			q.mu.Unlock()
			return record, true, nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return wire.CommandOutput{}, false, err
		}
		if q.finished {
			q.mu.Unlock()
			return wire.CommandOutput{}, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return wire.CommandOutput{}, false, ctx.Err()
		}
	}
}

// Stream is the finite, single-pass sequence of output records for one
// streamed process. Next suspends only while the queue is empty and returns
// io.EOF once the terminal event has been observed, after which ExitCode
// reports the process's exit code.
type Stream struct {
	events    *eventClient
	sessionID string
	processID string
	queue     *streamQueue

	exitCode int
	exited   bool
}

func (s *Stream) ProcessID() string { return s.processID }

func (s *Stream) SessionID() string { return s.sessionID }

// Next returns the next output record in delivery order. It returns io.EOF
// when the stream is fully drained and its terminal event consumed.
func (s *Stream) Next(ctx context.Context) (*wire.CommandOutput, error) {
	if s.exited {
		return nil, io.EOF
	}
	record, ok, err := s.queue.pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.queue.mu.Lock()
		s.exitCode = s.queue.exitCode
		s.queue.mu.Unlock()
		s.exited = true
		s.events.drop(s.processID)
		return nil, io.EOF
	}
	return &record, nil
}

// Collect drains the stream to completion and returns all records.
func (s *Stream) Collect(ctx context.Context) ([]wire.CommandOutput, error) {
	var records []wire.CommandOutput
	for {
		record, err := s.Next(ctx)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, *record)
	}
}

// ExitCode reports the exit code delivered by the terminal event. Valid only
// after Next has returned io.EOF.
func (s *Stream) ExitCode() (int, bool) {
	return s.exitCode, s.exited
}
