package scheduler

import (
	"github.com/groupcast/groupcast/internal/store"
)

const (
	jobsCollection    = "automations"
	execLogCollection = "post_logs"

	// Older log entries are dropped once the execution log reaches this
	// many records.
	maxExecutionLog = 1000
)

// Storage is the persistence contract the scheduler depends on. Tests
// substitute an in-memory implementation.
type Storage interface {
	SaveJobs(jobs map[string]Job) error
	LoadJobs() (map[string]Job, error)
	AppendExecution(rec ExecutionRecord) error
	LoadExecutions() ([]ExecutionRecord, error)
}

// storeStorage adapts the JSON collection store to the Storage
// contract.
type storeStorage struct {
	st *store.Store
}

// NewStorage returns Storage backed by the given collection store.
func NewStorage(st *store.Store) Storage {
	return &storeStorage{st: st}
}

func (s *storeStorage) SaveJobs(jobs map[string]Job) error {
	return s.st.Save(jobsCollection, jobs)
}

func (s *storeStorage) LoadJobs() (map[string]Job, error) {
	jobs := make(map[string]Job)
	if err := s.st.Load(jobsCollection, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *storeStorage) AppendExecution(rec ExecutionRecord) error {
	return s.st.Append(execLogCollection, rec, maxExecutionLog)
}

func (s *storeStorage) LoadExecutions() ([]ExecutionRecord, error) {
	var recs []ExecutionRecord
	if err := s.st.Load(execLogCollection, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
