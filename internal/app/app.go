// internal/app/app.go
package app

import (
	"fmt"
	"time"

	"github.com/Corphon/ScriptFlowMCP/internal/config"
	"github.com/Corphon/ScriptFlowMCP/internal/di"
	"github.com/Corphon/ScriptFlowMCP/internal/scheduler"
	"github.com/Corphon/ScriptFlowMCP/internal/services"
	"github.com/Corphon/ScriptFlowMCP/internal/storage"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"

	// 注册内置LLM提供者
	_ "github.com/Corphon/ScriptFlowMCP/internal/llm/providers/google"
	_ "github.com/Corphon/ScriptFlowMCP/internal/llm/providers/openai"
)

// App 持有进程级资源，负责有序启停
type App struct {
	Autosave  *services.AutosaveService
	Scheduler *scheduler.Scheduler
}

// InitServices 初始化所有服务并注册到依赖注入容器。
// 构建顺序：存储 → 锁 → 蓝图 → LLM → 操作注册表 → 任务 → 工作流 → 自动保存。
func InitServices(cfg *config.AppConfig) (*App, error) {
	container := di.GetContainer()

	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	lockManager := services.NewLockManager()
	container.Register("locks", lockManager)

	blueprintService := services.NewBlueprintService(fileStorage, lockManager)
	container.Register("blueprint", blueprintService)

	llmService, err := services.NewLLMService()
	if err != nil {
		// LLM不可用时服务保持待命，AI操作返回明确错误
		utils.GetLogger().Warn("LLM服务初始化失败，AI编辑操作暂不可用", map[string]interface{}{
			"error": err.Error(),
		})
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	registry := services.NewOperationRegistry(llmService)
	container.Register("operations", registry)

	taskService := services.NewTaskService(registry, blueprintService)
	container.Register("task", taskService)

	workflowService := services.NewWorkflowService(blueprintService, taskService)
	container.Register("workflow", workflowService)

	debounce := time.Duration(cfg.AutosaveDebounceMS) * time.Millisecond
	autosaveService := services.NewAutosaveService(blueprintService, lockManager, taskService, debounce, nil)
	container.Register("autosave", autosaveService)

	sched := scheduler.New(taskService, fileStorage, lockManager,
		time.Duration(cfg.TaskRetentionHours)*time.Hour)

	return &App{
		Autosave:  autosaveService,
		Scheduler: sched,
	}, nil
}

// Start 启动后台组件
func (a *App) Start() error {
	a.Autosave.Start(time.Second)
	return a.Scheduler.Start()
}

// Stop 停止后台组件并把未保存的工作副本落盘
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Autosave.Stop()
}
