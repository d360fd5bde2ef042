// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

package audit

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	writtenMeter   = metrics.NewRegisteredMeter("audit/written", nil)
	droppedCounter = metrics.NewRegisteredCounter("audit/dropped", nil)
	writeErrGauge  = metrics.NewRegisteredCounter("audit/writeerrors", nil)
)

const defaultBuffer = 256

// FileSinkConfig configures the durable JSONL trail.
type FileSinkConfig struct {
	Path       string // audit log file path
	MaxSizeMB  int    // rotate above this size
	MaxBackups int    // rotated files to keep
	MaxAgeDays int    // prune rotated files older than this
	Compress   bool   // gzip rotated files
	Buffer     int    // pending events before Log starts dropping
}

// DefaultFileSinkConfig keeps roughly a quarter year of rotated history.
var DefaultFileSinkConfig = FileSinkConfig{
	MaxSizeMB:  64,
	MaxBackups: 16,
	MaxAgeDays: 90,
	Compress:   true,
	Buffer:     defaultBuffer,
}

// FileSink writes events as line-delimited JSON to a size-rotated file. Log
// never blocks: events queue onto a buffered channel consumed by a single
// writer goroutine, and overflow drops the event (counted, warned once per
// burst) rather than stalling the agent.
type FileSink struct {
	out io.WriteCloser

	ch   chan Event
	quit chan struct{}
	wg   sync.WaitGroup

	dropWarned bool
	mu         sync.Mutex // guards dropWarned and Close vs Log
	closed     bool
}

// NewFileSink opens (creating if needed) the audit log at cfg.Path and starts
// the writer goroutine.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	s := &FileSink{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		ch:   make(chan Event, cfg.Buffer),
		quit: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Log queues the event for writing, dropping it if the buffer is full.
func (s *FileSink) Log(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		s.mu.Lock()
		s.dropWarned = false
		s.mu.Unlock()
	default:
		droppedCounter.Inc(1)
		s.mu.Lock()
		warned := s.dropWarned
		s.dropWarned = true
		s.mu.Unlock()
		if !warned {
			log.Warn("Audit sink saturated, dropping events", "type", ev.Type)
		}
	}
}

// Close drains pending events, stops the writer and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	return s.out.Close()
}

func (s *FileSink) loop() {
	defer s.wg.Done()

	enc := json.NewEncoder(s.out)
	for {
		select {
		case ev := <-s.ch:
			s.write(enc, ev)
		case <-s.quit:
			// Drain whatever was queued before the close.
			for {
				select {
				case ev := <-s.ch:
					s.write(enc, ev)
				default:
					return
				}
			}
		}
	}
}

func (s *FileSink) write(enc *json.Encoder, ev Event) {
	if err := enc.Encode(ev); err != nil {
		writeErrGauge.Inc(1)
		log.Error("Audit write failed", "type", ev.Type, "err", err)
		return
	}
	writtenMeter.Mark(1)
}
