// internal/services/blueprint_service.go
package services

import (
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/storage"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

const (
	blueprintsDir = "blueprints"
	videosDir     = "videos"
)

// BlueprintEvent 蓝图变更通知
type BlueprintEvent struct {
	BlueprintID string            `json:"blueprint_id"`
	Blueprint   *models.Blueprint `json:"blueprint"`
}

// BlueprintService 蓝图文档的存取适配层。
// 所有写入都经过蓝图锁并整体落盘，订阅者在每次成功持久化后收到通知。
type BlueprintService struct {
	storage *storage.FileStorage
	locks   *LockManager

	subMutex    sync.RWMutex
	subscribers map[string]map[chan BlueprintEvent]bool
}

// NewBlueprintService 创建蓝图存取服务
func NewBlueprintService(fs *storage.FileStorage, locks *LockManager) *BlueprintService {
	return &BlueprintService{
		storage:     fs,
		locks:       locks,
		subscribers: make(map[string]map[chan BlueprintEvent]bool),
	}
}

// GetBlueprint 读取蓝图文档
func (s *BlueprintService) GetBlueprint(videoID string) (*models.Blueprint, error) {
	if !s.storage.FileExists(blueprintsDir, videoID+".json") {
		return nil, apperrors.NewNotFoundError("蓝图不存在: "+videoID, nil)
	}

	bp := &models.Blueprint{}
	if err := s.storage.LoadJSON(blueprintsDir, videoID+".json", bp); err != nil {
		return nil, apperrors.NewPersistenceError("读取蓝图失败", err)
	}
	bp.VideoID = videoID
	return bp, nil
}

// EnsureBlueprint 读取蓝图，不存在时创建处于初始阶段的新蓝图
func (s *BlueprintService) EnsureBlueprint(videoID string) (*models.Blueprint, error) {
	bp, err := s.GetBlueprint(videoID)
	if err == nil {
		return bp, nil
	}
	if !apperrors.IsNotFoundError(err) {
		return nil, err
	}

	now := time.Now()
	bp = &models.Blueprint{
		VideoID:        videoID,
		WorkflowStatus: models.StatusTranscriptInput,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.SaveBlueprint(bp); err != nil {
		return nil, err
	}
	return bp, nil
}

// SaveBlueprint 整体持久化蓝图并通知订阅者
func (s *BlueprintService) SaveBlueprint(bp *models.Blueprint) error {
	bp.UpdatedAt = time.Now()

	if err := s.storage.SaveJSON(blueprintsDir, bp.VideoID+".json", bp); err != nil {
		return apperrors.NewPersistenceError("保存蓝图失败", err)
	}

	s.notify(bp)
	return nil
}

// Mutate 在蓝图锁内执行一次全有或全无的变更：
// 读取最新文档 → 应用fn → 持久化。fn返回错误时不落盘。
func (s *BlueprintService) Mutate(videoID string, fn func(bp *models.Blueprint) error) (*models.Blueprint, error) {
	var result *models.Blueprint

	err := s.locks.ExecuteWithBlueprintLock(videoID, func() error {
		bp, err := s.GetBlueprint(videoID)
		if err != nil {
			return err
		}

		// 在副本上应用变更，失败时原文档保持不变
		working := bp.Clone()
		if err := fn(working); err != nil {
			return err
		}

		if err := s.SaveBlueprint(working); err != nil {
			return err
		}
		result = working
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Subscribe 订阅蓝图变更通知
func (s *BlueprintService) Subscribe(videoID string) chan BlueprintEvent {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	ch := make(chan BlueprintEvent, 16)
	if s.subscribers[videoID] == nil {
		s.subscribers[videoID] = make(map[chan BlueprintEvent]bool)
	}
	s.subscribers[videoID][ch] = true
	return ch
}

// Unsubscribe 取消订阅
func (s *BlueprintService) Unsubscribe(videoID string, ch chan BlueprintEvent) {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	if subs, ok := s.subscribers[videoID]; ok {
		if subs[ch] {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(s.subscribers, videoID)
		}
	}
}

// notify 向订阅者推送变更（非阻塞，队列满则跳过）
func (s *BlueprintService) notify(bp *models.Blueprint) {
	s.subMutex.RLock()
	defer s.subMutex.RUnlock()

	subs := s.subscribers[bp.VideoID]
	if len(subs) == 0 {
		return
	}

	event := BlueprintEvent{BlueprintID: bp.VideoID, Blueprint: bp.Clone()}
	for ch := range subs {
		select {
		case ch <- event:
		default:
			utils.GetLogger().Warn("蓝图变更通知队列已满，跳过一个订阅者", map[string]interface{}{
				"blueprint_id": bp.VideoID,
			})
		}
	}
}

// ListBlueprints 列出所有蓝图ID
func (s *BlueprintService) ListBlueprints() ([]string, error) {
	files, err := s.storage.ListFiles(blueprintsDir)
	if err != nil {
		return nil, apperrors.NewPersistenceError("列出蓝图失败", err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(f, ".json"))
	}
	return ids, nil
}

// SaveVideo 保存视频记录（含素材库）
func (s *BlueprintService) SaveVideo(video *models.Video) error {
	video.UpdatedAt = time.Now()
	if video.CreatedAt.IsZero() {
		video.CreatedAt = video.UpdatedAt
	}
	if err := s.storage.SaveJSON(videosDir, video.ID+".json", video); err != nil {
		return apperrors.NewPersistenceError("保存视频记录失败", err)
	}
	return nil
}

// GetVideo 读取视频记录
func (s *BlueprintService) GetVideo(videoID string) (*models.Video, error) {
	if !s.storage.FileExists(videosDir, videoID+".json") {
		return nil, apperrors.NewNotFoundError("视频不存在: "+videoID, nil)
	}

	video := &models.Video{}
	if err := s.storage.LoadJSON(videosDir, videoID+".json", video); err != nil {
		return nil, apperrors.NewPersistenceError("读取视频记录失败", err)
	}
	return video, nil
}

// GetInventory 读取视频素材库（只读消费）
func (s *BlueprintService) GetInventory(videoID string) (models.FootageInventory, error) {
	video, err := s.GetVideo(videoID)
	if err != nil {
		return nil, err
	}
	return video.Inventory, nil
}
