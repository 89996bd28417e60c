package domaintest

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
)

type multipart struct {
	key   string
	parts map[int32][]byte
}

// ObjectStore is an in-memory domain.ObjectStore. The hook fields inject
// failures or observe calls; a non-nil error from a hook is returned before
// any state changes.
type ObjectStore struct {
	UploadPartFn func(ctx context.Context, key string, number int32) error
	// AfterPart runs once a part has been stored.
	AfterPart func(number int32)
	CompleteFn func(ctx context.Context, key string) error
	DeleteFn   func(ctx context.Context, key string) error

	mu        sync.Mutex
	objects   map[string][]byte
	uploads   map[string]*multipart
	nextID    int
	begins    int
	received  int64
	partCalls []int32
	aborted   []string
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make(map[string][]byte),
		uploads: make(map[string]*multipart),
	}
}

func (s *ObjectStore) BeginUpload(_ context.Context, key, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.begins++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &multipart{key: key, parts: make(map[int32][]byte)}
	return id, nil
}

func (s *ObjectStore) UploadPart(ctx context.Context, key, uploadID string, number int32, data []byte) (domain.CompletedPart, error) {
	s.mu.Lock()
	s.partCalls = append(s.partCalls, number)
	s.mu.Unlock()

	if s.UploadPartFn != nil {
		if err := s.UploadPartFn(ctx, key, number); err != nil {
			return domain.CompletedPart{}, err
		}
	}

	s.mu.Lock()
	up, ok := s.uploads[uploadID]
	if !ok {
		s.mu.Unlock()
		return domain.CompletedPart{}, fmt.Errorf("%w: upload %s", domain.ErrObjectNotFound, uploadID)
	}
	up.parts[number] = bytes.Clone(data)
	s.received += int64(len(data))
	s.mu.Unlock()

	if s.AfterPart != nil {
		s.AfterPart(number)
	}
	return domain.CompletedPart{Number: number, ETag: fmt.Sprintf("etag-%d", number), Size: int64(len(data))}, nil
}

func (s *ObjectStore) CompleteUpload(ctx context.Context, key, uploadID string, parts []domain.CompletedPart) error {
	if s.CompleteFn != nil {
		if err := s.CompleteFn(ctx, key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok {
		return fmt.Errorf("%w: upload %s", domain.ErrObjectNotFound, uploadID)
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := up.parts[p.Number]
		if !ok {
			return fmt.Errorf("part %d was never uploaded", p.Number)
		}
		buf.Write(data)
	}
	s.objects[key] = buf.Bytes()
	delete(s.uploads, uploadID)
	return nil
}

func (s *ObjectStore) AbortUpload(_ context.Context, _, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	s.aborted = append(s.aborted, uploadID)
	return nil
}

func (s *ObjectStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if s.DeleteFn != nil {
		if err := s.DeleteFn(ctx, key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *ObjectStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	for _, key := range s.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Put stores an object directly.
func (s *ObjectStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *ObjectStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys returns the stored object keys in sorted order.
func (s *ObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// BytesReceived is the total size of all parts accepted by UploadPart.
func (s *ObjectStore) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// PartCalls lists the part numbers of every UploadPart call, failed ones included.
func (s *ObjectStore) PartCalls() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.partCalls)
}

func (s *ObjectStore) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func (s *ObjectStore) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.aborted)
}
