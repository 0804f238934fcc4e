package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chatsync/internal/config"
	"chatsync/internal/stubserver"
)

func main() {
	// 1. 加载环境变量与配置
	if err := godotenv.Load(); err != nil {
		log.Println("未找到 .env 文件，使用环境变量与默认值。")
	}
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	// 2. 初始化日志
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// 3. 装配联调服务器
	srv := stubserver.NewServer(cfg, sugar)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Router(),
	}

	go func() {
		sugar.Infow("联调服务器已启动", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("HTTP 服务器异常退出: %v", err)
		}
	}()

	// 4. 等待退出信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("收到退出信号，正在关闭……")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Errorf("关闭 HTTP 服务器失败: %v", err)
	}
	sugar.Info("联调服务器已退出。")
}
