package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

var (
	// ErrNotFound 版本或模型文件不存在
	ErrNotFound = errors.New("registry: not found")
	// ErrNoPriorVersion 回滚时没有可恢复的历史版本
	ErrNoPriorVersion = errors.New("registry: no prior active version to roll back to")
	// ErrClosed 注册中心已关闭
	ErrClosed = errors.New("registry: closed")
)

// Pointer 某一模型类型的激活指针及其历史
// History 按激活先后保存被替换下来的版本，末尾是最近一次被替换的版本
type Pointer struct {
	Active  string   `json:"active"`
	History []string `json:"history"`
}

// Store 保存模型版本元数据和激活指针
type Store interface {
	Save(v types.ModelVersion) error
	Load(id string) (types.ModelVersion, error)
	List(kind types.AgentType) ([]types.ModelVersion, error)
	Pointer(kind types.AgentType) (Pointer, error)
	SetPointer(kind types.AgentType, p Pointer) error
	Close() error
}

// ArtifactStore 保存序列化的模型参数
type ArtifactStore interface {
	Put(name string, data []byte) (ref string, err error)
	Get(ref string) ([]byte, error)
}

// MemoryStore 进程内的元数据存储，每个实例相互独立
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]types.ModelVersion
	order    []string
	pointers map[types.AgentType]Pointer
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]types.ModelVersion),
		pointers: make(map[types.AgentType]Pointer),
	}
}

func (s *MemoryStore) Save(v types.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; !ok {
		s.order = append(s.order, v.ID)
	}
	s.versions[v.ID] = v
	return nil
}

func (s *MemoryStore) Load(id string) (types.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return types.ModelVersion{}, fmt.Errorf("%w: version %s", ErrNotFound, id)
	}
	return v, nil
}

// List 按注册顺序返回某一类型的全部版本，kind 为空时返回全部
func (s *MemoryStore) List(kind types.AgentType) ([]types.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ModelVersion
	for _, id := range s.order {
		if v := s.versions[id]; kind == "" || v.AgentType == kind {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) Pointer(kind types.AgentType) (Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.pointers[kind]
	p.History = slices.Clone(p.History)
	return p, nil
}

func (s *MemoryStore) SetPointer(kind types.AgentType, p Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.History = slices.Clone(p.History)
	s.pointers[kind] = p
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryArtifactStore 进程内的模型文件存储，主要用于测试
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string][]byte)}
}

func (s *MemoryArtifactStore) Put(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "mem://" + name
	s.blobs[ref] = slices.Clone(data)
	return ref, nil
}

func (s *MemoryArtifactStore) Get(ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, ref)
	}
	return slices.Clone(data), nil
}

// FileArtifactStore 把模型文件保存到本地目录
// 先写临时文件再重命名，读者不会看到写了一半的文件
type FileArtifactStore struct {
	Dir string
}

func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建模型目录失败: %w", err)
	}
	return &FileArtifactStore{Dir: dir}, nil
}

func (s *FileArtifactStore) Put(name string, data []byte) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("registry: invalid artifact name %q", name)
	}
	path := filepath.Join(s.Dir, name+".json")
	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

func (s *FileArtifactStore) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, ref)
	}
	return data, err
}
