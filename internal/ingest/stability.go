package ingest

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Scanner marks resources stable once they have stayed untouched for the
// configured age. The transition is recorded through a metadata flag, so
// a resource that was already marked is never announced twice.
type Scanner struct {
	idx      *index.Index
	age      time.Duration
	interval time.Duration
	log      *logrus.Entry

	wake chan struct{}
	stop chan struct{}
	once sync.Once
	done sync.WaitGroup
}

// NewScanner builds a stability scanner. The scan interval is a quarter
// of the stability age, clamped to [1s, 1min].
func NewScanner(idx *index.Index, age time.Duration) *Scanner {
	interval := age / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return &Scanner{
		idx:      idx,
		age:      age,
		interval: interval,
		log:      logrus.WithField("component", "stability"),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the scan loop in its own goroutine.
func (s *Scanner) Start() {
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		for {
			if err := s.ScanOnce(); err != nil {
				s.log.WithError(err).Warn("stability scan failed")
			}
			select {
			case <-time.After(s.interval):
			case <-s.wake:
			case <-s.stop:
				return
			}
		}
	}()
}

// Wake triggers an immediate scan without waiting for the interval.
func (s *Scanner) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the scan loop and waits for it to exit. Idempotent.
func (s *Scanner) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.done.Wait()
}

// ScanOnce walks patients, studies and series whose LastUpdate is older
// than the stability age and marks each stable, emitting the matching
// Stable{Level} change exactly once.
func (s *Scanner) ScanOnce() error {
	cutoff := time.Now().Add(-s.age)
	return s.idx.WithTransaction(func(tx *index.Tx) error {
		for _, level := range []types.Level{
			types.LevelPatient, types.LevelStudy, types.LevelSeries,
		} {
			ids, err := tx.ListUnstable(level, cutoff)
			if err != nil {
				return err
			}
			kind, ok := types.StableChangeKind(level)
			if !ok {
				continue
			}
			for _, id := range ids {
				res, err := tx.GetResource(id)
				if err != nil {
					return err
				}
				if err := tx.SetMetadata(id, types.MetaStable, "1"); err != nil {
					return err
				}
				if err := tx.LogChange(kind, level, res.PublicID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
