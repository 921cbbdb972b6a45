package core

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"erpcore/internal/blob"
	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// Service owns the runtime, the persistence backend, and the observability
// seams. Modules are installed before Finalize; Environments are opened
// afterwards to operate on records.
type Service struct {
	rt      *Runtime
	store   storage.Store
	blobs   blob.Store
	logger  Logger
	metrics MetricsRecorder
	audit   AuditRecorder
	tracer  Tracer
	clock   Clock

	mu      sync.RWMutex
	modules map[string]ModuleMetadata
}

// ServiceOption customizes service construction.
type ServiceOption func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(a AuditRecorder) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithBlobStore installs a payload store for binary fields.
func WithBlobStore(b blob.Store) ServiceOption {
	return func(s *Service) {
		if b != nil {
			s.blobs = b
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store storage.Store, opts ...ServiceOption) *Service {
	s := &Service{
		rt:      NewRuntime(),
		store:   store,
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		audit:   noopAuditRecorder{},
		tracer:  noopTracer{},
		clock:   ClockFunc(time.Now),
		modules: make(map[string]ModuleMetadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Runtime returns the service runtime.
func (s *Service) Runtime() *Runtime { return s.rt }

// Registry returns the schema registry.
func (s *Service) Registry() *schema.Registry { return s.rt.Registry() }

// Store returns the underlying storage implementation.
func (s *Service) Store() storage.Store { return s.store }

// InstallModule registers a module, wiring its models, extensions, computed
// fields, and constraints into the runtime.
func (s *Service) InstallModule(m Module) (ModuleMetadata, error) {
	if m == nil {
		return ModuleMetadata{}, fmt.Errorf("module cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[m.Name()]; ok {
		return ModuleMetadata{}, fmt.Errorf("module %s already installed", m.Name())
	}

	registry := NewModuleRegistry()
	if err := m.Register(registry); err != nil {
		return ModuleMetadata{}, err
	}

	reg := s.rt.Registry()
	for _, def := range registry.Models() {
		if err := reg.Register(def); err != nil {
			return ModuleMetadata{}, fmt.Errorf("module %s: %w", m.Name(), err)
		}
	}
	for model, fields := range registry.extensions {
		if err := reg.Extend(model, fields...); err != nil {
			return ModuleMetadata{}, fmt.Errorf("module %s: %w", m.Name(), err)
		}
	}
	for key, fn := range registry.computes {
		model, field, ok := splitFieldKey(key)
		if !ok {
			return ModuleMetadata{}, fmt.Errorf("module %s: invalid compute key %s", m.Name(), key)
		}
		if err := s.rt.RegisterCompute(model, field, fn); err != nil {
			return ModuleMetadata{}, fmt.Errorf("module %s: %w", m.Name(), err)
		}
	}
	for model, constraints := range registry.constraints {
		for _, c := range constraints {
			if err := s.rt.RegisterConstraint(model, c); err != nil {
				return ModuleMetadata{}, fmt.Errorf("module %s: %w", m.Name(), err)
			}
		}
	}

	meta := ModuleMetadata{
		Name:    m.Name(),
		Version: m.Version(),
		Models:  registry.ModelNames(),
	}
	s.modules[m.Name()] = meta
	s.logger.Info("module installed", "module", meta.Name, "version", meta.Version, "models", len(meta.Models))
	return meta, nil
}

// InstalledModules returns metadata describing installed modules, sorted by
// name.
func (s *Service) InstalledModules() []ModuleMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModuleMetadata, 0, len(s.modules))
	for _, meta := range s.modules {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Finalize freezes the schema and verifies runtime bindings. It must be
// called once, after module installation and before opening Environments.
func (s *Service) Finalize() error {
	if err := s.rt.Finalize(); err != nil {
		s.logger.Error("finalize failed", "error", err)
		return err
	}
	s.logger.Info("schema finalized", "models", len(s.rt.Registry().Models()))
	return nil
}

// Env opens an Environment scoped to a tenant and acting user.
func (s *Service) Env(tenant int64, actor string) (*Environment, error) {
	if !s.rt.Finalized() {
		return nil, fmt.Errorf("service not finalized")
	}
	return &Environment{
		svc:          s,
		Tenant:       tenant,
		Actor:        actor,
		cache:        make(map[string]map[int64]storage.Row),
		dirty:        make(map[string]map[int64]map[string]struct{}),
		LastTxStatus: TxPending,
	}, nil
}

// PutBlob stores a binary payload and returns the field value referencing it.
func (s *Service) PutBlob(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("no blob store configured")
	}
	info, err := s.blobs.Put(ctx, key, r, contentType)
	if err != nil {
		return "", err
	}
	return BlobRef(info.Key), nil
}

// OpenBlob resolves a binary field value to its payload stream.
func (s *Service) OpenBlob(ctx context.Context, value any) (blob.Info, io.ReadCloser, error) {
	key, ok := ParseBlobRef(value)
	if !ok {
		return blob.Info{}, nil, fmt.Errorf("value is not a blob reference")
	}
	if s.blobs == nil {
		return blob.Info{}, nil, fmt.Errorf("no blob store configured")
	}
	return s.blobs.Get(ctx, key)
}

func (s *Service) now() time.Time { return s.clock.Now() }

// observe finishes the span started for op and records metrics, audit, and a
// log line for the outcome.
func (s *Service) observe(ctx context.Context, span TraceSpan, env *Environment, op, model string, ids []int64, start time.Time, err error) {
	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	entry := AuditEntry{
		Operation: op,
		Model:     model,
		RecordIDs: ids,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.now().UTC(),
	}
	if env != nil {
		entry.Tenant = env.Tenant
		entry.Actor = env.Actor
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Error("operation failed", "operation", op, "model", model, "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", op, "model", model, "records", len(ids), "duration", duration)
	}
	s.audit.Record(ctx, entry)
}
