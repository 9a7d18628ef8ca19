package logger

import (
	"time"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"
)

// SampledLogger rate-limits log lines per key. The first occurrence of a key is always
// logged; later ones are dropped until the interval has passed, and the next line that
// gets through carries the number of dropped lines in a "suppressed" field.
//
// It is meant for per-event paths where the same failure can repeat thousands of times
// per second.
type SampledLogger struct {
	log      log.Logger
	interval time.Duration
	now      func() time.Time
	keys     *xsync.Map[string, sampleState]
}

type sampleState struct {
	last       time.Time
	suppressed uint64
}

// NewSampledLogger wraps l with a per-key limit of one line per interval.
func NewSampledLogger(l log.Logger, interval time.Duration) *SampledLogger {
	return &SampledLogger{
		log:      l,
		interval: interval,
		now:      time.Now,
		keys:     xsync.NewMap[string, sampleState](),
	}
}

// allow reports whether a line for key may be written now and how many were dropped
// since the last one.
func (s *SampledLogger) allow(key string) (bool, uint64) {
	now := s.now()
	var ok bool
	var dropped uint64
	s.keys.Compute(key, func(st sampleState, loaded bool) (sampleState, xsync.ComputeOp) {
		if loaded && now.Sub(st.last) < s.interval {
			st.suppressed++
			ok = false
			return st, xsync.UpdateOp
		}
		ok, dropped = true, st.suppressed
		return sampleState{last: now}, xsync.UpdateOp
	})
	return ok, dropped
}

func (s *SampledLogger) entry(key string, level log.Level) *log.Entry {
	if level < s.log.Level {
		return nil
	}
	ok, dropped := s.allow(key)
	if !ok {
		return nil
	}
	e := s.log.WithLevel(level).Str("sample_key", key)
	if dropped > 0 {
		e = e.Uint64("suppressed", dropped)
	}
	return e
}

// Debug starts a debug entry for key, or returns nil if key is being suppressed.
func (s *SampledLogger) Debug(key string) *log.Entry { return s.entry(key, log.DebugLevel) }

// Info starts an info entry for key, or returns nil if key is being suppressed.
func (s *SampledLogger) Info(key string) *log.Entry { return s.entry(key, log.InfoLevel) }

// Warn starts a warning entry for key, or returns nil if key is being suppressed.
func (s *SampledLogger) Warn(key string) *log.Entry { return s.entry(key, log.WarnLevel) }

// Error starts an error entry for key, or returns nil if key is being suppressed.
func (s *SampledLogger) Error(key string) *log.Entry { return s.entry(key, log.ErrorLevel) }

// Logger returns the underlying unsampled logger.
func (s *SampledLogger) Logger() *log.Logger { return &s.log }
