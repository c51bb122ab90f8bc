package session

import (
	"context"

	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
)

type jobKind int

const (
	jobSave jobKind = iota
	jobArchive
)

type persistJob struct {
	kind jobKind
	rec  chessdto.SessionSnapshot
}

// enqueueLocked never blocks, so a slow store cannot stall input handling.
func (s *Session) enqueueLocked(job persistJob) {
	if s.jobsWake == nil || s.closed {
		return
	}
	s.jobsFlight.Add(1)
	s.jobsM.Lock()
	s.jobs = append(s.jobs, job)
	s.jobsM.Unlock()
	select {
	case s.jobsWake <- struct{}{}:
	default:
	}
}

// writeLoop runs the queued writes in commit order. On Close it drains what
// is left and exits.
func (s *Session) writeLoop() {
	defer close(s.jobsDone)
	for {
		select {
		case <-s.jobsWake:
			s.drainJobs()
		case <-s.baseCtx.Done():
			s.drainJobs()
			return
		}
	}
}

func (s *Session) drainJobs() {
	for {
		s.jobsM.Lock()
		batch := s.jobs
		s.jobs = nil
		s.jobsM.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, job := range batch {
			s.runJob(job)
			s.jobsFlight.Done()
		}
	}
}

func (s *Session) runJob(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	switch job.kind {
	case jobSave:
		if err := s.snapshots.Save(ctx, job.rec); err != nil {
			s.logger.Warn("session_snapshot_error", zap.Int("ply", len(job.rec.MovesUCI)), zap.Error(err))
		}
	case jobArchive:
		if err := s.archive.Archive(ctx, job.rec); err != nil {
			s.logger.Error("session_archive_error", zap.String("game_id", job.rec.GameID), zap.Error(err))
			return
		}
		s.logger.Info("session_archive", zap.String("game_id", job.rec.GameID), zap.String("result", job.rec.Result))
	}
}
