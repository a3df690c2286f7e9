// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mobiletoly/go-healthvault/internal/scheduler"
)

// Config tunes the service facade. Zero values fall back to defaults.
type Config struct {
	// StagingRoot is the directory that holds per-user restore staging
	// subdirectories.
	StagingRoot string

	// Workers is the scheduler pool size.
	Workers int
	// PerCallerLimit bounds concurrent operations per calling package.
	PerCallerLimit int
	// QueueDepth bounds total pending operations before Submit rejects.
	QueueDepth int
}

func (c Config) withDefaults() Config {
	if c.StagingRoot == "" {
		c.StagingRoot = "staged_data"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PerCallerLimit <= 0 {
		c.PerCallerLimit = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// ErrBackpressure is returned when the scheduler cannot accept more work.
var ErrBackpressure = errors.New("healthstore: too many pending operations")

// Future delivers the result of an asynchronous operation exactly once.
type Future[T any] struct {
	ch chan futureResult[T]
}

type futureResult[T any] struct {
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan futureResult[T], 1)}
}

// Get blocks until the result is delivered or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) deliver(value T, err error) {
	// The channel is buffered, so delivery never blocks; a second delivery
	// is a programming error and panics on the closed channel instead.
	f.ch <- futureResult[T]{value: value, err: err}
}

// ReadResponse carries one page of records. NextPageToken is NoMorePages
// when the scan is exhausted.
type ReadResponse struct {
	Records       []Record
	NextPageToken int64
}

// Service is the engine-side surface the platform dispatcher calls. It owns
// the schema, the stores and the scheduler; permission checks run
// synchronously on the caller's goroutine, storage work runs on the pool.
type Service struct {
	db         *sql.DB
	registry   *Registry
	apps       *AppInfoStore
	devices    *DeviceInfoStore
	prefs      *PreferenceStore
	store      *Store
	gate       *AccessGate
	accessLog  *AccessLog
	changeLog  *ChangeLog
	aggregator *Aggregator
	priorities *PriorityManager
	retention  *RetentionManager
	restore    *RestoreManager
	migrator   *Migrator
	pool       *scheduler.Pool
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New initializes the schema on db and wires the engine. The caller keeps
// ownership of db and closes it after Close.
func New(db *sql.DB, oracle PermissionOracle, cfg Config, logger *slog.Logger) (*Service, error) {
	if oracle == nil {
		return nil, codedErrf(CodeInvalidArgument, "permission oracle is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	registry := NewRegistry()
	if err := initializeDatabase(db, registry); err != nil {
		return nil, err
	}

	apps := NewAppInfoStore(db)
	devices := NewDeviceInfoStore(db)
	prefs := NewPreferenceStore(db)
	changeLog := NewChangeLog(db, logger)
	store := NewStore(db, registry, apps, devices, changeLog, logger)
	priorities := NewPriorityManager(prefs)
	accessLog := NewAccessLog(db)

	s := &Service{
		db:         db,
		registry:   registry,
		apps:       apps,
		devices:    devices,
		prefs:      prefs,
		store:      store,
		gate:       NewAccessGate(oracle, registry, logger),
		accessLog:  accessLog,
		changeLog:  changeLog,
		aggregator: NewAggregator(db, registry, apps, priorities, logger),
		priorities: priorities,
		retention:  NewRetentionManager(prefs, store, changeLog, accessLog, logger),
		restore:    NewRestoreManager(prefs, cfg.StagingRoot, logger),
		migrator:   NewMigrator(store, prefs, logger),
		pool:       scheduler.NewPool(cfg.Workers, cfg.PerCallerLimit, cfg.QueueDepth, logger),
		logger:     logger,
	}
	return s, nil
}

// Close stops the scheduler after in-flight operations finish. Idempotent.
// The database handle is not closed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.pool.Close()
	return nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// submit schedules fn for the caller, mapping scheduler rejection onto the
// service-level backpressure error.
func (s *Service) submit(caller Caller, fn func()) error {
	if s.isClosed() {
		return codedErrf(CodeInternal, "service is closed")
	}
	if err := s.pool.Submit(caller.PackageName, fn); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			return fmt.Errorf("%w: %s", ErrBackpressure, caller.PackageName)
		}
		return codedErr(CodeInternal, err)
	}
	return nil
}

func kindsOf(records []Record) []RecordKind {
	seen := make(map[RecordKind]bool, len(records))
	var kinds []RecordKind
	for _, r := range records {
		if !seen[r.Kind] {
			seen[r.Kind] = true
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

// InsertRecords checks write permissions synchronously, then persists the
// records on the pool. The future resolves to the record uuids in input
// order.
func (s *Service) InsertRecords(ctx context.Context, caller Caller, records []Record) (*Future[[]string], error) {
	if len(records) == 0 {
		return nil, codedErrf(CodeInvalidArgument, "no records to insert")
	}
	privileged := s.gate.HasDataManagement(caller)
	kinds := kindsOf(records)
	if err := s.gate.CheckWrite(caller, kinds); err != nil {
		return nil, err
	}
	f := newFuture[[]string]()
	err := s.submit(caller, func() {
		uuids, err := s.store.Insert(ctx, caller.PackageName, records)
		if err == nil && !privileged {
			s.logAccess(ctx, caller, kinds, AccessUpsert)
		}
		f.deliver(uuids, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// UpdateRecords rewrites existing records owned by the caller.
func (s *Service) UpdateRecords(ctx context.Context, caller Caller, records []Record) (*Future[struct{}], error) {
	if len(records) == 0 {
		return nil, codedErrf(CodeInvalidArgument, "no records to update")
	}
	privileged := s.gate.HasDataManagement(caller)
	kinds := kindsOf(records)
	if err := s.gate.CheckWrite(caller, kinds); err != nil {
		return nil, err
	}
	f := newFuture[struct{}]()
	err := s.submit(caller, func() {
		err := s.store.Update(ctx, caller.PackageName, records)
		if err == nil && !privileged {
			s.logAccess(ctx, caller, kinds, AccessUpsert)
		}
		f.deliver(struct{}{}, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ReadRecords reads one page of records of a single kind. A caller holding
// only the write permission of the kind's category reads its own records.
// A filter naming only unknown packages resolves to an empty page, not an
// error.
func (s *Service) ReadRecords(ctx context.Context, caller Caller, req ReadRequest) (*Future[ReadResponse], error) {
	privileged := s.gate.HasDataManagement(caller)
	selfOnly, err := s.gate.CheckReadSingle(caller, req.Kind)
	if err != nil {
		return nil, err
	}
	ownerOnly := ""
	if selfOnly {
		ownerOnly = caller.PackageName
	}
	f := newFuture[ReadResponse]()
	err = s.submit(caller, func() {
		records, next, err := s.store.Read(ctx, req, ownerOnly)
		if errors.Is(err, errNoKnownPackages) {
			f.deliver(ReadResponse{NextPageToken: NoMorePages}, nil)
			return
		}
		// Self-scoped reads are exempt from access logging: the caller is
		// reading back its own writes, not end-user data at large.
		if err == nil && !privileged && !selfOnly {
			s.logAccess(ctx, caller, []RecordKind{req.Kind}, AccessRead)
		}
		f.deliver(ReadResponse{Records: records, NextPageToken: next}, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteRecords removes matching records. Deletion is gated by write
// permissions; a privileged caller may delete any package's records.
func (s *Service) DeleteRecords(ctx context.Context, caller Caller, req DeleteRequest) (*Future[int], error) {
	privileged := s.gate.HasDataManagement(caller)
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = s.registry.Kinds()
	}
	if err := s.gate.CheckWrite(caller, kinds); err != nil {
		return nil, err
	}
	f := newFuture[int]()
	err := s.submit(caller, func() {
		n, err := s.store.Delete(ctx, caller.PackageName, req, privileged)
		if err == nil && !privileged {
			s.logAccess(ctx, caller, kinds, AccessDelete)
		}
		f.deliver(n, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Aggregate computes the requested statistics. Read permission is required
// for every kind a requested aggregation covers. Unknown ids surface inside
// their results; a storage failure fails the whole request.
func (s *Service) Aggregate(ctx context.Context, caller Caller, params AggregateParams) (*Future[[]AggregateResult], error) {
	if len(params.IDs) == 0 {
		return nil, codedErrf(CodeInvalidArgument, "no aggregations requested")
	}
	var kinds []RecordKind
	seen := make(map[RecordKind]bool)
	for _, id := range params.IDs {
		kind, err := s.registry.KindForAggregation(id)
		if err != nil {
			continue
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	privileged := s.gate.HasDataManagement(caller)
	if err := s.gate.CheckRead(caller, kinds); err != nil {
		return nil, err
	}
	f := newFuture[[]AggregateResult]()
	err := s.submit(caller, func() {
		results, err := s.aggregator.Aggregate(ctx, params)
		if err == nil && !privileged && len(kinds) > 0 {
			s.logAccess(ctx, caller, kinds, AccessRead)
		}
		f.deliver(results, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetChangeToken issues a change log token bound to the caller and kinds.
func (s *Service) GetChangeToken(ctx context.Context, caller Caller, kinds []RecordKind) (string, error) {
	if err := s.gate.CheckRead(caller, kinds); err != nil {
		return "", err
	}
	return s.changeLog.GetToken(ctx, caller.PackageName, kinds)
}

// GetChanges returns one page of changes past the token. The token must
// have been issued to the calling package.
func (s *Service) GetChanges(ctx context.Context, caller Caller, token string, pageSize int) (*Future[*ChangesResponse], error) {
	req, err := s.changeLog.TokenRequestFor(ctx, caller.PackageName, token)
	if err != nil {
		return nil, err
	}
	if err := s.gate.CheckRead(caller, req.Kinds); err != nil {
		return nil, err
	}
	privileged := s.gate.HasDataManagement(caller)
	f := newFuture[*ChangesResponse]()
	err = s.submit(caller, func() {
		resp, err := s.changeLog.GetChanges(ctx, req, pageSize)
		if err == nil && !privileged {
			s.logAccess(ctx, caller, req.Kinds, AccessRead)
		}
		f.deliver(resp, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DataContributors lists packages holding data of the kind. Management only.
func (s *Service) DataContributors(ctx context.Context, caller Caller, kind RecordKind) ([]string, error) {
	if !s.gate.HasDataManagement(caller) {
		return nil, codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, PermissionManageHealthData)
	}
	return s.store.DistinctPackagesFor(ctx, kind)
}

// QueryAccessLogs returns the audit trail. Management only.
func (s *Service) QueryAccessLogs(ctx context.Context, caller Caller, sinceMillis int64) ([]AccessLogEntry, error) {
	if !s.gate.HasDataManagement(caller) {
		return nil, codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, PermissionManageHealthData)
	}
	return s.accessLog.Query(ctx, sinceMillis)
}

// SetPriorityOrder replaces the contributor priority order of a category.
// Management only.
func (s *Service) SetPriorityOrder(ctx context.Context, caller Caller, category PermissionCategory, packages []string) error {
	if !s.gate.HasDataManagement(caller) {
		return codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, PermissionManageHealthData)
	}
	return s.priorities.SetPriorityOrder(ctx, category, packages)
}

// PriorityOrder returns the contributor priority order of a category.
func (s *Service) PriorityOrder(ctx context.Context, caller Caller, category PermissionCategory) ([]string, error) {
	if !s.gate.HasDataManagement(caller) {
		return nil, codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, PermissionManageHealthData)
	}
	return s.priorities.PriorityOrder(ctx, category)
}

// SetRetentionPeriodDays configures auto-deletion. Management only.
func (s *Service) SetRetentionPeriodDays(caller Caller, days int) error {
	if !s.gate.HasDataManagement(caller) {
		return codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, PermissionManageHealthData)
	}
	return s.retention.SetRetentionPeriodDays(days)
}

// RetentionPeriodDays returns the configured retention period.
func (s *Service) RetentionPeriodDays(caller Caller) (int, error) {
	if !s.gate.HasDataManagement(caller) {
		return 0, codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, PermissionManageHealthData)
	}
	return s.retention.RetentionPeriodDays(), nil
}

// RunAutoDelete performs one retention cleanup pass.
func (s *Service) RunAutoDelete(ctx context.Context) error {
	return s.retention.AutoDelete(ctx)
}

// Restore exposes the restore state machine to callers holding the staging
// permission.
func (s *Service) Restore(caller Caller) (*RestoreManager, error) {
	if err := s.gate.CheckPermission(caller, PermissionStageRemoteData); err != nil {
		return nil, err
	}
	return s.restore, nil
}

// RestoreStatus is the coarse public view of the restore and migration
// machinery for one user.
type RestoreStatus struct {
	State          CombinedRestoreState
	RestoreError   int
	MigrationState MigrationState
}

// RestoreStatusFor folds restore, download and migration state into the
// public status. Readable without special permissions; it exposes no data,
// only progress.
func (s *Service) RestoreStatusFor(user string) RestoreStatus {
	return RestoreStatus{
		State:          s.restore.CombinedState(user),
		RestoreError:   s.restore.RestoreErrorFor(user),
		MigrationState: s.migrator.State(),
	}
}

// Migration exposes the migrator to the caller holding the migration
// permission.
func (s *Service) Migration(caller Caller) (*Migrator, error) {
	if err := s.gate.CheckPermission(caller, PermissionMigrateData); err != nil {
		return nil, err
	}
	return s.migrator, nil
}

func (s *Service) logAccess(ctx context.Context, caller Caller, kinds []RecordKind, operation int) {
	if err := s.accessLog.Append(ctx, caller.PackageName, kinds, operation); err != nil {
		s.logger.Error("failed to append access log entry",
			"package", caller.PackageName, "error", err)
	}
}
