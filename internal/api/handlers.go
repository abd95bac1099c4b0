// internal/api/handlers.go
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/ScriptFlowMCP/internal/config"
	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/services"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// Handler API请求处理器
type Handler struct {
	WorkflowService  *services.WorkflowService
	TaskService      *services.TaskService
	BlueprintService *services.BlueprintService
	AutosaveService  *services.AutosaveService
	LLMService       *services.LLMService

	Response *ResponseHelper
}

// NewHandler 创建API处理器
func NewHandler(
	workflowService *services.WorkflowService,
	taskService *services.TaskService,
	blueprintService *services.BlueprintService,
	autosaveService *services.AutosaveService,
	llmService *services.LLMService) *Handler {

	return &Handler{
		WorkflowService:  workflowService,
		TaskService:      taskService,
		BlueprintService: blueprintService,
		AutosaveService:  autosaveService,
		LLMService:       llmService,
		Response:         NewResponseHelper(),
	}
}

// ===============================
// 视频管理
// ===============================

// CreateVideo 创建视频记录并初始化其蓝图
func (h *Handler) CreateVideo(c *gin.Context) {
	var req struct {
		ID        string                  `json:"id" binding:"required"`
		Title     string                  `json:"title"`
		Inventory models.FootageInventory `json:"inventory"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	video := &models.Video{
		ID:        req.ID,
		Title:     req.Title,
		Inventory: req.Inventory,
	}
	if err := h.BlueprintService.SaveVideo(video); err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	bp, err := h.BlueprintService.EnsureBlueprint(req.ID)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Created(c, gin.H{"video": video, "blueprint": bp})
}

// GetVideo 查询视频记录
func (h *Handler) GetVideo(c *gin.Context) {
	video, err := h.BlueprintService.GetVideo(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, video)
}

// ===============================
// 蓝图读取与导航
// ===============================

// ListBlueprints 列出全部蓝图ID
func (h *Handler) ListBlueprints(c *gin.Context) {
	ids, err := h.BlueprintService.ListBlueprints()
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"blueprints": ids})
}

// GetBlueprint 读取蓝图（工作流状态已规范化）
func (h *Handler) GetBlueprint(c *gin.Context) {
	bp, err := h.WorkflowService.GetBlueprint(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// NavigateBack 回退到较早的工作流阶段
func (h *Handler) NavigateBack(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	bp, err := h.WorkflowService.NavigateBack(c.Param("id"), models.WorkflowStatus(req.Target))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// ResetBlueprint 重置蓝图到初始阶段
func (h *Handler) ResetBlueprint(c *gin.Context) {
	bp, err := h.WorkflowService.Reset(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp, "蓝图已重置")
}

// ===============================
// 阶段一：转录录入
// ===============================

// SetTranscript 保存原始转录文本
func (h *Handler) SetTranscript(c *gin.Context) {
	var req struct {
		Transcript string `json:"transcript" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	bp, cleared, err := h.WorkflowService.SetTranscript(c.Param("id"), req.Transcript)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	message := ""
	if cleared {
		message = "转录已更新，依赖其产物的下游阶段数据已清空"
	}
	h.Response.Success(c, bp, message)
}

// SubmitMapDialogue 提交对白-地点映射任务
func (h *Handler) SubmitMapDialogue(c *gin.Context) {
	task, err := h.WorkflowService.SubmitMapDialogue(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// SubmitGenerateBlueprint 提交初始蓝图变体任务
func (h *Handler) SubmitGenerateBlueprint(c *gin.Context) {
	task, err := h.WorkflowService.SubmitGenerateBlueprint(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// ===============================
// 阶段二：对白映射审核
// ===============================

// UpdateDialogueTag 修改某条对白分段的地点归属
func (h *Handler) UpdateDialogueTag(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.Response.BadRequest(c, "对白分段下标必须是整数")
		return
	}

	var req struct {
		LocationTag string `json:"location_tag" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	bp, err := h.WorkflowService.UpdateDialogueTag(c.Param("id"), index, req.LocationTag)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// ConfirmDialogueEntry 确认某条对白分段的当前归属
func (h *Handler) ConfirmDialogueEntry(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.Response.BadRequest(c, "对白分段下标必须是整数")
		return
	}

	bp, err := h.WorkflowService.ConfirmDialogueEntry(c.Param("id"), index)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// SubmitProposeNarrative 提交首版叙事提案任务
func (h *Handler) SubmitProposeNarrative(c *gin.Context) {
	task, err := h.WorkflowService.SubmitProposeNarrative(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// ===============================
// 阶段三：叙事细化
// ===============================

// SubmitRefineNarrative 提交叙事细化任务
func (h *Handler) SubmitRefineNarrative(c *gin.Context) {
	var req struct {
		Feedback string `json:"feedback" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	task, err := h.WorkflowService.SubmitRefineNarrative(c.Param("id"), req.Feedback)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// ApproveNarrative 批准当前叙事提案，自动提交研究任务
func (h *Handler) ApproveNarrative(c *gin.Context) {
	task, err := h.WorkflowService.ApproveNarrative(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task, "叙事已批准，研究任务已受理")
}

// ===============================
// 阶段四：研究审批
// ===============================

// SetResearchNoteApproval 切换某条研究素材的批准状态
func (h *Handler) SetResearchNoteApproval(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.Response.BadRequest(c, "研究素材下标必须是整数")
		return
	}

	var req struct {
		Approved *bool `json:"approved" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	bp, err := h.WorkflowService.SetResearchNoteApproval(
		c.Param("id"), c.Param("location"), index, *req.Approved)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// ApproveResearch 结束研究审批，自动提交旁白起草任务
func (h *Handler) ApproveResearch(c *gin.Context) {
	task, err := h.WorkflowService.ApproveResearch(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task, "研究审批完成，旁白起草任务已受理")
}

// ===============================
// 阶段五：草稿审阅与成稿
// ===============================

// UpdateDraftScript 保存用户对某地点旁白草稿的修改
func (h *Handler) UpdateDraftScript(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	bp, err := h.WorkflowService.UpdateDraftScript(c.Param("id"), c.Param("location"), req.Text)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// SubmitAssembleScript 提交成稿装配任务
func (h *Handler) SubmitAssembleScript(c *gin.Context) {
	task, err := h.WorkflowService.SubmitAssembleScript(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// SubmitRefineScript 提交全局润色任务
func (h *Handler) SubmitRefineScript(c *gin.Context) {
	var req struct {
		View     string `json:"view" binding:"required"`
		Feedback string `json:"feedback" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	task, err := h.WorkflowService.SubmitRefineScript(c.Param("id"), req.View, req.Feedback)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// AdvanceToVoiceoverRecording 推进到旁白录制阶段
func (h *Handler) AdvanceToVoiceoverRecording(c *gin.Context) {
	bp, err := h.WorkflowService.AdvanceToVoiceoverRecording(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// ===============================
// 阶段六：剪辑清单与定稿
// ===============================

// SubmitGenerateShotList 提交剪辑序列清单任务
func (h *Handler) SubmitGenerateShotList(c *gin.Context) {
	task, err := h.WorkflowService.SubmitGenerateShotList(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task)
}

// MarkFinal 定稿
func (h *Handler) MarkFinal(c *gin.Context) {
	bp, err := h.WorkflowService.MarkFinal(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, bp, "蓝图已定稿")
}

// ===============================
// 任务管理
// ===============================

// GetTask 查询任务状态
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.TaskService.Status(c.Param("task_id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, task)
}

// RetryTask 重试失败的任务
func (h *Handler) RetryTask(c *gin.Context) {
	task, err := h.TaskService.Retry(c.Param("task_id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, task, "任务重试已受理")
}

// ListBlueprintTasks 列出某蓝图的全部任务
func (h *Handler) ListBlueprintTasks(c *gin.Context) {
	tasks := h.TaskService.ListTasks(c.Param("id"))
	h.Response.Success(c, gin.H{"tasks": tasks})
}

// ===============================
// 自动保存
// ===============================

// ObserveAutosave 接收前端工作副本的变更观察。
// 写入不是即时的：防抖窗口静默后由自动保存控制器整体落盘。
func (h *Handler) ObserveAutosave(c *gin.Context) {
	var working models.Blueprint
	if err := c.ShouldBindJSON(&working); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}
	working.VideoID = c.Param("id")

	h.AutosaveService.Observe(&working)
	h.Response.Accepted(c, gin.H{"blueprint_id": working.VideoID}, "变更已登记，将自动保存")
}

// ===============================
// LLM配置
// ===============================

// GetLLMStatus 查询AI操作网关状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"ready":    h.LLMService.IsReady(),
		"state":    h.LLMService.GetReadyState(),
		"provider": h.LLMService.GetProviderName(),
	})
}

// GetLLMProviders 列出已注册的提供者
func (h *Handler) GetLLMProviders(c *gin.Context) {
	h.Response.Success(c, gin.H{"providers": llm.ListProviders()})
}

// UpdateLLMConfig 更新LLM配置并热切换提供者
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorLLMConfigInvalid, "保存LLM配置失败", err.Error())
		return
	}

	if err := h.LLMService.Reconfigure(); err != nil {
		h.Response.Error(c, http.StatusBadGateway, ErrorLLMServiceUnavailable, "提供者初始化失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"provider": h.LLMService.GetProviderName(),
		"ready":    h.LLMService.IsReady(),
	}, "LLM配置已更新")
}

// ===============================
// 健康与指标
// ===============================

// GetHealth 健康检查
func (h *Handler) GetHealth(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"status":    "ok",
		"llm_ready": h.LLMService.IsReady(),
	})
}

// GetMetrics 返回运行指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, utils.GetMetricsCollector().GetMetrics())
}

// GetWebSocketStatus 返回WebSocket连接统计
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, wsManager.Status())
}

// ===============================
// WebSocket
// ===============================

// BlueprintWebSocket 订阅某蓝图的任务状态更新与蓝图变更推送
func (h *Handler) BlueprintWebSocket(c *gin.Context) {
	blueprintID := c.Param("id")

	if _, err := h.WorkflowService.GetBlueprint(blueprintID); err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("WebSocket升级失败", map[string]interface{}{
			"blueprint_id": blueprintID,
			"error":        err.Error(),
		})
		return
	}

	client := &WebSocketClient{
		conn:        conn,
		blueprintID: blueprintID,
		send:        make(chan []byte, 64),
		createdAt:   time.Now(),
	}
	wsManager.Register(client)

	taskCh := h.TaskService.Subscribe(blueprintID)
	eventCh := h.BlueprintService.Subscribe(blueprintID)
	done := make(chan struct{})

	// 把两路服务端事件汇入发送队列
	go func() {
		for {
			select {
			case update, ok := <-taskCh:
				if !ok {
					return
				}
				client.SendMessage(map[string]interface{}{
					"type":    "task_update",
					"payload": update,
				})
			case event, ok := <-eventCh:
				if !ok {
					return
				}
				client.SendMessage(map[string]interface{}{
					"type":    "blueprint_changed",
					"payload": event,
				})
			case <-done:
				return
			}
		}
	}()

	go client.writePump()
	go client.readPump(func() {
		close(done)
		h.TaskService.Unsubscribe(blueprintID, taskCh)
		h.BlueprintService.Unsubscribe(blueprintID, eventCh)
		wsManager.Unregister(client)
	})
}
