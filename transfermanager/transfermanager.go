// Package transfermanager moves large objects in parallel: downloads are
// sharded into concurrent range reads, uploads into concurrent part uploads
// composed into the destination object. Each shard rides on the storage
// client's own retry policy, so a transient failure in one shard does not
// disturb the others.
package transfermanager

import "time"

const (
	defaultWorkers  = 8
	defaultPartSize = 32 * 1024 * 1024
)

// settings are the knobs shared by Downloader and Uploader.
type settings struct {
	workers      int
	partSize     int64
	perOpTimeout time.Duration
}

func defaultSettings() settings {
	return settings{workers: defaultWorkers, partSize: defaultPartSize}
}

// Option configures a Downloader or Uploader.
type Option func(*settings)

// WithWorkers bounds the number of concurrent shard operations.
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithPartSize sets the shard size in bytes.
func WithPartSize(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.partSize = n
		}
	}
}

// WithPerOpTimeout bounds each individual shard operation. Zero means no
// per-shard deadline beyond the caller's context.
func WithPerOpTimeout(d time.Duration) Option {
	return func(s *settings) { s.perOpTimeout = d }
}
