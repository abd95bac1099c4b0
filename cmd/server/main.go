// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Corphon/ScriptFlowMCP/internal/api"
	"github.com/Corphon/ScriptFlowMCP/internal/app"
	"github.com/Corphon/ScriptFlowMCP/internal/config"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

func main() {
	log.Println("🚀 启动 ScriptFlowMCP 服务...")

	// 初始化配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	if err := config.InitConfig(cfg.DataDir); err != nil {
		log.Fatalf("❌ 初始化配置管理器失败: %v", err)
	}
	cfg = config.GetCurrentConfig()

	// 初始化日志
	if err := utils.InitLogger(cfg.LogDir); err != nil {
		log.Printf("⚠️ 初始化日志文件失败: %v", err)
	}
	if cfg.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	// 初始化服务
	application, err := app.InitServices(cfg)
	if err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	log.Println("✅ 服务初始化完成")

	if err := application.Start(); err != nil {
		log.Fatalf("❌ 启动后台组件失败: %v", err)
	}
	log.Println("✅ 自动保存与维护调度器已启动")

	// 配置路由
	router, err := api.SetupRouter()
	if err != nil {
		log.Fatalf("❌ 配置路由失败: %v", err)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // AI任务提交接口可能较慢
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("✅ HTTP服务监听 :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP服务异常退出: %v", err)
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 收到退出信号，开始优雅关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP服务关闭异常: %v", err)
	}

	// 停止后台组件并把未保存的工作副本落盘
	application.Stop()
	log.Println("✅ 服务已退出")
}
