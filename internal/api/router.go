// internal/api/router.go
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/ScriptFlowMCP/internal/config"
	"github.com/Corphon/ScriptFlowMCP/internal/di"
	"github.com/Corphon/ScriptFlowMCP/internal/services"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 只从容器获取服务，不再创建新实例
	container := di.GetContainer()

	workflowService, ok := container.Get("workflow").(*services.WorkflowService)
	if !ok {
		return nil, fmt.Errorf("工作流服务未正确初始化")
	}

	taskService, ok := container.Get("task").(*services.TaskService)
	if !ok {
		return nil, fmt.Errorf("任务编排服务未正确初始化")
	}

	blueprintService, ok := container.Get("blueprint").(*services.BlueprintService)
	if !ok {
		return nil, fmt.Errorf("蓝图存取服务未正确初始化")
	}

	autosaveService, ok := container.Get("autosave").(*services.AutosaveService)
	if !ok {
		return nil, fmt.Errorf("自动保存服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	handler := NewHandler(
		workflowService,
		taskService,
		blueprintService,
		autosaveService,
		llmService,
	)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 通用中间件
	r.Use(corsMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(MetricsMiddleware(utils.NewAPIMetrics()))

	// WebSocket 支持
	r.GET("/ws/blueprints/:id", handler.BlueprintWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 健康与指标
		api.GET("/health", handler.GetHealth)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/providers", handler.GetLLMProviders)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		// ===============================
		// 视频相关路由
		// ===============================
		videosGroup := api.Group("/videos")
		{
			videosGroup.POST("", handler.CreateVideo)
			videosGroup.GET("/:id", handler.GetVideo)
		}

		// ===============================
		// 蓝图与工作流相关路由
		// ===============================
		api.GET("/blueprints", handler.ListBlueprints)

		bpGroup := api.Group("/blueprints/:id")
		{
			bpGroup.GET("", handler.GetBlueprint)
			bpGroup.POST("/reset", handler.ResetBlueprint)
			bpGroup.POST("/navigate", handler.NavigateBack)

			// 自动保存观察（高频调用，走默认限流）
			bpGroup.POST("/autosave", handler.ObserveAutosave)

			// 阶段一：转录录入
			bpGroup.PUT("/transcript", handler.SetTranscript)

			// 阶段二：对白映射审核
			dialogueGroup := bpGroup.Group("/dialogue-map")
			{
				dialogueGroup.PUT("/:index", handler.UpdateDialogueTag)
				dialogueGroup.POST("/:index/confirm", handler.ConfirmDialogueEntry)
			}

			// 阶段三：叙事细化
			narrativeGroup := bpGroup.Group("/narrative")
			{
				narrativeGroup.POST("/approve", handler.ApproveNarrative)
			}

			// 阶段四：研究审批
			researchGroup := bpGroup.Group("/research")
			{
				researchGroup.PUT("/:location/:index", handler.SetResearchNoteApproval)
				researchGroup.POST("/approve", handler.ApproveResearch)
			}

			// 阶段五：草稿审阅
			bpGroup.PUT("/draft/:location", handler.UpdateDraftScript)
			bpGroup.POST("/script/advance", handler.AdvanceToVoiceoverRecording)

			// 阶段六：定稿
			bpGroup.POST("/finalize", handler.MarkFinal)

			// 任务列表
			bpGroup.GET("/tasks", handler.ListBlueprintTasks)

			// AI任务提交端点（单独限流）
			aiGroup := bpGroup.Group("")
			aiGroup.Use(AIOperationRateLimit())
			{
				aiGroup.POST("/dialogue-map", handler.SubmitMapDialogue)
				aiGroup.POST("/generate", handler.SubmitGenerateBlueprint)
				aiGroup.POST("/narrative/propose", handler.SubmitProposeNarrative)
				aiGroup.POST("/narrative/refine", handler.SubmitRefineNarrative)
				aiGroup.POST("/script/assemble", handler.SubmitAssembleScript)
				aiGroup.POST("/script/refine", handler.SubmitRefineScript)
				aiGroup.POST("/shot-list", handler.SubmitGenerateShotList)
			}
		}

		// ===============================
		// 任务相关路由
		// ===============================
		tasksGroup := api.Group("/tasks")
		{
			tasksGroup.GET("/:task_id", handler.GetTask)
			tasksGroup.POST("/:task_id/retry", handler.RetryTask)
		}
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
