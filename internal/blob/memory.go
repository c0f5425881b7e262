package blob

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memoryBlob struct {
	data        []byte
	props       Properties
	pendingLeft int
	failReason  string
}

// MemoryStore is an in-process Store. Copies stay pending for a configurable
// number of Properties polls before completing.
type MemoryStore struct {
	mu        sync.Mutex
	blobs     map[Ref]*memoryBlob
	copyPolls int
	failures  map[Ref]string
	listeners []func(Ref)
	mutations atomic.Int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCopyPolls sets how many status polls a copy reports pending.
func WithCopyPolls(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.copyPolls = n
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		blobs:    make(map[Ref]*memoryBlob),
		failures: make(map[Ref]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailCopiesInto makes the next copy into dst fail with reason.
func (s *MemoryStore) FailCopiesInto(dst Ref, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[dst] = reason
}

// OnCreated registers a callback for blobs written with Put.
func (s *MemoryStore) OnCreated(fn func(Ref)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Mutations counts effective writes, copy starts and deletes.
func (s *MemoryStore) Mutations() int64 {
	return s.mutations.Load()
}

func (s *MemoryStore) Put(ctx context.Context, ref Ref, data []byte, contentType string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref.Container == "" || ref.Name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref.String())
	}

	s.mu.Lock()
	s.blobs[ref] = &memoryBlob{
		data: append([]byte(nil), data...),
		props: Properties{
			Size:        int64(len(data)),
			ContentType: contentType,
			Metadata:    cloneMetadata(metadata),
			CreatedAt:   time.Now().UTC(),
		},
	}
	listeners := append([]func(Ref){}, s.listeners...)
	s.mu.Unlock()

	s.mutations.Add(1)
	for _, fn := range listeners {
		fn(ref)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, Properties{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[ref]
	if !ok {
		return nil, Properties{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	s.advance(b)
	return append([]byte(nil), b.data...), b.snapshot(), nil
}

func (s *MemoryStore) Properties(ctx context.Context, ref Ref) (Properties, error) {
	if err := ctx.Err(); err != nil {
		return Properties{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[ref]
	if !ok {
		return Properties{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	s.advance(b)
	return b.snapshot(), nil
}

func (s *MemoryStore) StartCopy(ctx context.Context, src, dst Ref, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blobs[dst]; ok && existing.props.CopySource == src && existing.props.CopyStatus != CopyFailed {
		return nil
	}
	source, ok := s.blobs[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}

	md := cloneMetadata(source.props.Metadata)
	for k, v := range metadata {
		md[k] = v
	}
	b := &memoryBlob{
		data: append([]byte(nil), source.data...),
		props: Properties{
			Size:        source.props.Size,
			ContentType: source.props.ContentType,
			Metadata:    md,
			CopySource:  src,
			CopyStatus:  CopyPending,
			CreatedAt:   time.Now().UTC(),
		},
		pendingLeft: s.copyPolls,
		failReason:  s.failures[dst],
	}
	delete(s.failures, dst)
	s.blobs[dst] = b
	s.mutations.Add(1)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[ref]; ok {
		delete(s.blobs, ref)
		s.mutations.Add(1)
	}
	return nil
}

// advance moves a pending copy one poll closer to completion; mu must be held.
func (s *MemoryStore) advance(b *memoryBlob) {
	if b.props.CopyStatus != CopyPending {
		return
	}
	if b.pendingLeft > 0 {
		b.pendingLeft--
		return
	}
	if b.failReason != "" {
		b.props.CopyStatus = CopyFailed
		b.props.CopyStatusDescription = b.failReason
		return
	}
	b.props.CopyStatus = CopySuccess
}

func (b *memoryBlob) snapshot() Properties {
	p := b.props
	p.Metadata = cloneMetadata(b.props.Metadata)
	return p
}

func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
