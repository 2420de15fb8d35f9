package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/handler"
	"extractpay/internal/infrastructure/cache"
	"extractpay/internal/infrastructure/database"
	"extractpay/internal/infrastructure/lock"
	"extractpay/internal/infrastructure/mq"
	"extractpay/internal/infrastructure/payment"
	"extractpay/internal/infrastructure/vision"
	"extractpay/internal/job"
	"extractpay/internal/service"
	"extractpay/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	// 外部依赖客户端进程启动时构造一次，统一注入
	stripeClient := payment.NewStripeClient(&cfg.Stripe)
	visionClient := vision.NewOpenAIClient(&cfg.OpenAI)
	tokenStore := cache.NewMagicLinkStore(redisClient)
	accountLocker := lock.NewRedisAccountLocker(redisClient)

	// 组装服务
	authService := service.NewAuthService(db, tokenStore, cfg)
	accountService := service.NewAccountService(db)
	checkoutService := service.NewCheckoutService(db, stripeClient, cfg)
	webhookService := service.NewWebhookService(db, stripeClient, cfg)
	extractionService := service.NewExtractionService(db, visionClient, accountLocker, cfg)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	checkoutTimeoutJob := job.NewCheckoutTimeoutJob(db, cfg)
	go checkoutTimeoutJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(authService, accountService, checkoutService, webhookService, extractionService)
	router := handler.SetupRouter(h, authService)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
