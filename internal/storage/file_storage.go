// internal/storage/file_storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStorage 蓝图与视频记录的JSON文档存储。
// 以文件为文档、目录为集合，写入走临时文件+重命名保证原子性。
type FileStorage struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map

	// 读缓存
	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileStorage 创建文档存储
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	return &FileStorage{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
	}, nil
}

// 获取文件锁
func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// SaveRaw 原子性写入文件
func (fs *FileStorage) SaveRaw(dirPath, filename string, content []byte) error {
	fullDirPath := filepath.Join(fs.BaseDir, dirPath)
	fullPath := filepath.Join(fullDirPath, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fullDirPath, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	// 临时文件+重命名，避免写到一半的文档被读到
	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)
	return nil
}

// SaveJSON 序列化并保存JSON文档
func (fs *FileStorage) SaveJSON(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	return fs.SaveRaw(dirPath, filename, content)
}

// LoadRaw 读取文件内容（带缓存）
func (fs *FileStorage) LoadRaw(dirPath, filename string) ([]byte, error) {
	fullPath := filepath.Join(fs.BaseDir, dirPath, filename)

	fs.cacheMutex.RLock()
	if entry, exists := fs.cache[fullPath]; exists {
		if time.Since(entry.Timestamp) < fs.cacheExpiry {
			fs.cacheMutex.RUnlock()
			return entry.Data, nil
		}
	}
	fs.cacheMutex.RUnlock()

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.updateCache(fullPath, content)
	return content, nil
}

// LoadJSON 读取并解析JSON文档
func (fs *FileStorage) LoadJSON(dirPath, filename string, v interface{}) error {
	content, err := fs.LoadRaw(dirPath, filename)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// FileExists 检查文档是否存在
func (fs *FileStorage) FileExists(dirPath, filename string) bool {
	fullPath := filepath.Join(fs.BaseDir, dirPath, filename)
	_, err := os.Stat(fullPath)
	return err == nil
}

// DeleteFile 删除文档
func (fs *FileStorage) DeleteFile(dirPath, filename string) error {
	fullPath := filepath.Join(fs.BaseDir, dirPath, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("文件不存在: %s", fullPath)
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("删除文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)
	return nil
}

// ListFiles 列出集合下的所有文档名
func (fs *FileStorage) ListFiles(dirPath string) ([]string, error) {
	fullPath := filepath.Join(fs.BaseDir, dirPath)
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// 缓存管理
func (fs *FileStorage) updateCache(path string, data []byte) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &CacheEntry{
		Data:      data,
		Timestamp: time.Now(),
	}

	if len(fs.cache) > fs.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for key, entry := range fs.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.Timestamp
			}
		}
		if oldestKey != "" {
			delete(fs.cache, oldestKey)
		}
	}
}

// SweepCache 清理过期缓存条目，由维护调度器周期性调用
func (fs *FileStorage) SweepCache() int {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	removed := 0
	now := time.Now()
	for path, entry := range fs.cache {
		if now.Sub(entry.Timestamp) > fs.cacheExpiry {
			delete(fs.cache, path)
			removed++
		}
	}
	return removed
}

// invalidateCache 清除指定路径的缓存
func (fs *FileStorage) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	delete(fs.cache, path)
}
