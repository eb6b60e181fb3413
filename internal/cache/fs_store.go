package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// 磁盘布局：
//
//	<StoragePath>/<escaped namespace>/<sha256(key)>.body   # 正文
//	<StoragePath>/<escaped namespace>/<sha256(key)>.json   # 状态码、头部与原始 key
const (
	bodySuffix = ".body"
	metaSuffix = ".json"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage   *fileStorage
	namespace string
	dir       string
}

func (s *fileStorage) Open(ctx context.Context, namespace string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	return &fileStore{storage: s, namespace: namespace, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, namespace string) (bool, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Namespaces(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return sortedKeys(names), nil
}

func (s *fileStorage) Delete(ctx context.Context, namespace string) (bool, error) {
	existed, err := s.Has(ctx, namespace)
	if err != nil || !existed {
		return false, err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) namespaceDir(namespace string) (string, error) {
	if namespace == "" {
		return "", ErrInvalidKey
	}
	dir := filepath.Join(s.basePath, url.PathEscape(namespace))
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid namespace path")
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(namespace, key string) func() {
	lockKey := namespace + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Match(ctx context.Context, key string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := validKey(f.namespace, key); err != nil {
		return nil, err
	}
	unlock := f.storage.lockEntry(f.namespace, key)
	defer unlock()

	base := f.entryPath(key)
	if info, err := os.Stat(base + metaSuffix); err == nil && info.IsDir() {
		return nil, ErrNotFound
	}
	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Body = body
	return &entry, nil
}

func (f *fileStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validKey(f.namespace, key); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("cache entry required")
	}
	unlock := f.storage.lockEntry(f.namespace, key)
	defer unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	meta := *entry
	meta.Key = key
	meta.Body = nil
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}

	base := f.entryPath(key)
	if err := writeAtomic(ctx, f.dir, base+bodySuffix, bytes.NewReader(entry.Body)); err != nil {
		return err
	}
	return writeAtomic(ctx, f.dir, base+metaSuffix, bytes.NewReader(rawMeta))
}

func (f *fileStore) Delete(ctx context.Context, key string) error {
	if err := validKey(f.namespace, key); err != nil {
		return err
	}
	unlock := f.storage.lockEntry(f.namespace, key)
	defer unlock()

	base := f.entryPath(key)
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (f *fileStore) Keys(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, item.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Key == "" {
			continue
		}
		keys = append(keys, entry.Key)
	}
	return sortedKeys(keys), nil
}

func (f *fileStore) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:]))
}

// writeAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, dir, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
