// Package inmemory implements the repositories on maps. Status guards match
// the postgres repositories; a failed transaction restores the state it
// started from. Used by single-process tests.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/repo"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
)

type txKey struct{}

type state struct {
	files  map[uuid.UUID]entity.File
	jobs   map[uuid.UUID]entity.Job
	outbox map[uuid.UUID]entity.OutboxEvent
}

func (s state) clone() state {
	c := state{
		files:  make(map[uuid.UUID]entity.File, len(s.files)),
		jobs:   make(map[uuid.UUID]entity.Job, len(s.jobs)),
		outbox: make(map[uuid.UUID]entity.OutboxEvent, len(s.outbox)),
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}

	return c
}

// Store holds all tables. Fault, when set, is consulted before every
// operation with its name ("FileRepo.MarkProcessed", "Tx.Commit", ...)
// and its error is returned as a persistence failure.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	s    state

	Fault func(op string) error
}

var _ repo.Transactor = (*Store)(nil)

func New() *Store {
	return &Store{s: state{
		files:  make(map[uuid.UUID]entity.File),
		jobs:   make(map[uuid.UUID]entity.Job),
		outbox: make(map[uuid.UUID]entity.OutboxEvent),
	}}
}

func (st *Store) Files() *FileRepo {
	return &FileRepo{st}
}

func (st *Store) Jobs() *JobRepo {
	return &JobRepo{st}
}

func (st *Store) Outbox() *OutboxRepo {
	return &OutboxRepo{st}
}

func (st *Store) WithinTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bool); ok {
		return f(ctx)
	}

	st.txMu.Lock()
	defer st.txMu.Unlock()

	err := st.fault("Tx.Begin")
	if err != nil {
		return err
	}

	st.mu.Lock()
	snapshot := st.s.clone()
	st.mu.Unlock()

	err = f(context.WithValue(ctx, txKey{}, true))
	if err == nil {
		err = st.fault("Tx.Commit")
	}
	if err != nil {
		st.mu.Lock()
		st.s = snapshot
		st.mu.Unlock()

		return err
	}

	return nil
}

func (st *Store) fault(op string) error {
	if st.Fault == nil {
		return nil
	}

	err := st.Fault(op)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrPersistence, err)
	}

	return nil
}

type FileRepo struct {
	st *Store
}

var _ repo.FileRepo = (*FileRepo)(nil)

func (r *FileRepo) Create(_ context.Context, file *entity.File) error {
	err := r.st.fault("FileRepo.Create")
	if err != nil {
		return err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	f := *file
	f.Jobs = nil
	r.st.s.files[f.ID] = f

	return nil
}

func (r *FileRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.File, error) {
	err := r.st.fault("FileRepo.GetByID")
	if err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	f, ok := r.st.s.files[id]
	if !ok {
		return nil, fmt.Errorf("FileRepo - GetByID: %w", errs.ErrRecordNotFound)
	}

	return &f, nil
}

func (r *FileRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*entity.File, int, error) {
	err := r.st.fault("FileRepo.ListByOwner")
	if err != nil {
		return nil, 0, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	all := make([]*entity.File, 0)
	for _, f := range r.st.s.files {
		if f.OwnerID == ownerID {
			f := f
			all = append(all, &f)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*entity.File{}, total, nil
	}

	end := offset + limit
	if end > total {
		end = total
	}

	return all[offset:end], total, nil
}

func (r *FileRepo) MarkProcessing(_ context.Context, id uuid.UUID) error {
	return r.update("MarkProcessing", id, func(f *entity.File) {
		f.Status = entity.FileProcessing
	}, entity.FileUploaded, entity.FileProcessing, entity.FileFailed)
}

func (r *FileRepo) MarkProcessed(_ context.Context, id uuid.UUID, data json.RawMessage) error {
	return r.update("MarkProcessed", id, func(f *entity.File) {
		f.Status = entity.FileProcessed
		f.ExtractedData = append(json.RawMessage(nil), data...)
	}, entity.FileProcessing)
}

func (r *FileRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	return r.update("MarkFailed", id, func(f *entity.File) {
		f.Status = entity.FileFailed
		f.ExtractedData = nil
	}, entity.FileUploaded, entity.FileProcessing)
}

func (r *FileRepo) update(op string, id uuid.UUID, apply func(*entity.File), from ...entity.FileStatus) error {
	err := r.st.fault("FileRepo." + op)
	if err != nil {
		return err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	f, ok := r.st.s.files[id]
	if !ok || !fileIn(f.Status, from) {
		return fmt.Errorf("FileRepo - %s: %w", op, errs.ErrInvalidTransition)
	}

	apply(&f)
	f.UpdatedAt = time.Now()
	r.st.s.files[id] = f

	return nil
}

func fileIn(s entity.FileStatus, set []entity.FileStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}

	return false
}

type JobRepo struct {
	st *Store
}

var _ repo.JobRepo = (*JobRepo)(nil)

func (r *JobRepo) Create(_ context.Context, job *entity.Job) error {
	err := r.st.fault("JobRepo.Create")
	if err != nil {
		return err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if !job.Status.Terminal() {
		for _, j := range r.st.s.jobs {
			if j.FileID == job.FileID && !j.Status.Terminal() {
				return fmt.Errorf("JobRepo - Create - file %s already has an active job: %w", job.FileID, errs.ErrInvalidTransition)
			}
		}
	}

	r.st.s.jobs[job.ID] = *job

	return nil
}

func (r *JobRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	err := r.st.fault("JobRepo.GetByID")
	if err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	j, ok := r.st.s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("JobRepo - GetByID: %w", errs.ErrRecordNotFound)
	}

	return &j, nil
}

func (r *JobRepo) ListByFileID(_ context.Context, fileID uuid.UUID) ([]*entity.Job, error) {
	err := r.st.fault("JobRepo.ListByFileID")
	if err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	res := make([]*entity.Job, 0)
	for _, j := range r.st.s.jobs {
		if j.FileID == fileID {
			j := j
			res = append(res, &j)
		}
	}

	sort.Slice(res, func(i, k int) bool {
		return res[i].CreatedAt.After(res[k].CreatedAt)
	})

	return res, nil
}

func (r *JobRepo) CountActiveByFileID(_ context.Context, fileID uuid.UUID) (int, error) {
	err := r.st.fault("JobRepo.CountActiveByFileID")
	if err != nil {
		return 0, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	n := 0
	for _, j := range r.st.s.jobs {
		if j.FileID == fileID && !j.Status.Terminal() {
			n++
		}
	}

	return n, nil
}

func (r *JobRepo) Start(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update("Start", id, func(j *entity.Job) {
		j.Status = entity.JobProcessing
		j.StartedAt = &at
		j.Attempts++
	}, entity.JobQueued, entity.JobProcessing)
}

func (r *JobRepo) RecordAttemptError(_ context.Context, id uuid.UUID, msg string) error {
	return r.update("RecordAttemptError", id, func(j *entity.Job) {
		j.ErrorMessage = &msg
	}, entity.JobProcessing)
}

func (r *JobRepo) Complete(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update("Complete", id, func(j *entity.Job) {
		j.Status = entity.JobCompleted
		j.ErrorMessage = nil
		j.CompletedAt = &at
	}, entity.JobProcessing)
}

func (r *JobRepo) Fail(_ context.Context, id uuid.UUID, msg string, at time.Time) error {
	return r.update("Fail", id, func(j *entity.Job) {
		j.Status = entity.JobFailed
		j.ErrorMessage = &msg
		j.CompletedAt = &at
	}, entity.JobQueued, entity.JobProcessing)
}

func (r *JobRepo) ListStalled(_ context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	err := r.st.fault("JobRepo.ListStalled")
	if err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	res := make([]*entity.Job, 0)
	for _, j := range r.st.s.jobs {
		if j.Status == entity.JobProcessing && j.UpdatedAt.Before(before) {
			j := j
			res = append(res, &j)
		}
	}

	sort.Slice(res, func(i, k int) bool {
		return res[i].UpdatedAt.Before(res[k].UpdatedAt)
	})

	if len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}

func (r *JobRepo) update(op string, id uuid.UUID, apply func(*entity.Job), from ...entity.JobStatus) error {
	err := r.st.fault("JobRepo." + op)
	if err != nil {
		return err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	j, ok := r.st.s.jobs[id]
	if !ok || !jobIn(j.Status, from) {
		return fmt.Errorf("JobRepo - %s: %w", op, errs.ErrInvalidTransition)
	}

	apply(&j)
	j.UpdatedAt = time.Now()
	r.st.s.jobs[id] = j

	return nil
}

func jobIn(s entity.JobStatus, set []entity.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}

	return false
}

type OutboxRepo struct {
	st *Store
}

var _ repo.OutboxRepo = (*OutboxRepo)(nil)

func (r *OutboxRepo) Create(_ context.Context, event *entity.OutboxEvent) error {
	err := r.st.fault("OutboxRepo.Create")
	if err != nil {
		return err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	r.st.s.outbox[event.ID] = *event

	return nil
}

// GetPendingEvents does not lock rows; the store runs one transaction at a time.
func (r *OutboxRepo) GetPendingEvents(_ context.Context, maxRetries, limit int) ([]*entity.OutboxEvent, error) {
	err := r.st.fault("OutboxRepo.GetPendingEvents")
	if err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	res := make([]*entity.OutboxEvent, 0)
	for _, e := range r.st.s.outbox {
		if e.Status == entity.Pending && e.RetryCount < maxRetries {
			e := e
			res = append(res, &e)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})

	if len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}

func (r *OutboxRepo) MarkAsProcessingBatch(_ context.Context, IDs uuid.UUIDs) error {
	now := time.Now()

	return r.each("MarkAsProcessingBatch", IDs, func(e *entity.OutboxEvent) {
		e.Status = entity.Processing
		e.ClaimedAt = &now
	})
}

func (r *OutboxRepo) MarkAsProcessedBatch(_ context.Context, IDs uuid.UUIDs) error {
	now := time.Now()

	return r.each("MarkAsProcessedBatch", IDs, func(e *entity.OutboxEvent) {
		e.Status = entity.Processed
		e.ProcessedAt = &now
	})
}

func (r *OutboxRepo) IncrementRetryCountBatch(_ context.Context, IDs uuid.UUIDs) error {
	return r.each("IncrementRetryCountBatch", IDs, func(e *entity.OutboxEvent) {
		e.RetryCount++
		e.Status = entity.Pending
	})
}

func (r *OutboxRepo) MarkMaxRetriesAsFailed(_ context.Context, maxRetries int) (uuid.UUIDs, error) {
	err := r.st.fault("OutboxRepo.MarkMaxRetriesAsFailed")
	if err != nil {
		return nil, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var jobIDs uuid.UUIDs
	for id, e := range r.st.s.outbox {
		if e.Status == entity.Pending && e.RetryCount >= maxRetries {
			e.Status = entity.Failed
			r.st.s.outbox[id] = e
			jobIDs = append(jobIDs, e.AggregateID)
		}
	}

	return jobIDs, nil
}

func (r *OutboxRepo) ReleaseStaleClaims(_ context.Context, claimedBefore time.Time) (int64, error) {
	err := r.st.fault("OutboxRepo.ReleaseStaleClaims")
	if err != nil {
		return 0, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var n int64
	for id, e := range r.st.s.outbox {
		if e.Status == entity.Processing && (e.ClaimedAt == nil || e.ClaimedAt.Before(claimedBefore)) {
			e.Status = entity.Pending
			e.RetryCount++
			e.ClaimedAt = nil
			r.st.s.outbox[id] = e
			n++
		}
	}

	return n, nil
}

func (r *OutboxRepo) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	err := r.st.fault("OutboxRepo.DeleteProcessedBefore")
	if err != nil {
		return 0, err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var n int64
	for id, e := range r.st.s.outbox {
		if e.Status == entity.Processed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(r.st.s.outbox, id)
			n++
		}
	}

	return n, nil
}

// Events returns every outbox row, oldest first.
func (r *OutboxRepo) Events() []entity.OutboxEvent {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	res := make([]entity.OutboxEvent, 0, len(r.st.s.outbox))
	for _, e := range r.st.s.outbox {
		res = append(res, e)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})

	return res
}

func (r *OutboxRepo) each(op string, IDs uuid.UUIDs, apply func(*entity.OutboxEvent)) error {
	err := r.st.fault("OutboxRepo." + op)
	if err != nil {
		return err
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	for _, id := range IDs {
		e, ok := r.st.s.outbox[id]
		if !ok {
			continue
		}
		apply(&e)
		r.st.s.outbox[id] = e
	}

	return nil
}
