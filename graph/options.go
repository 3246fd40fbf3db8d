package graph

import (
	"log/slog"
	"time"
)

// DefaultPartitionSize is the entity count above which search fans out
const DefaultPartitionSize = 512

// Recorder receives operation and persistence measurements
type Recorder interface {
	ObserveOperation(op string, err error, d time.Duration)
	ObserveSave(err error, d time.Duration)
	SetGraphSize(entities, relations, observations int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, error, time.Duration) {}
func (nopRecorder) ObserveSave(error, time.Duration)              {}
func (nopRecorder) SetGraphSize(int, int, int)                    {}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithPartitionSize sets how many entities one search worker scans.
// Values below 1 keep the default.
func WithPartitionSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.partitionSize = n
		}
	}
}
