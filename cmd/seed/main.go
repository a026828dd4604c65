package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cardpool-next/internal/config"
	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/provider"
	"github.com/cardpool-next/internal/service"
)

type seedProduct struct {
	Slug  string
	Name  string
	Stock int
}

var demoProducts = []seedProduct{
	{Slug: "steam-wallet-50", Name: "Steam Wallet 50", Stock: 20},
	{Slug: "netflix-1m", Name: "Netflix 1 Month", Stock: 10},
	{Slug: "demo-empty", Name: "Demo Empty Stock", Stock: 0},
}

func main() {
	// 连接数据库
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	stdLog := logger.StdLogger()
	if _, err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.LogLevel, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}); err != nil {
		stdLog.Fatalf("Failed to connect database: %v", err)
	}

	// 自动迁移
	if err := models.AutoMigrate(nil); err != nil {
		stdLog.Fatalf("Failed to migrate database: %v", err)
	}

	ctx := context.Background()
	container := provider.NewContainer(cfg, nil)
	defer container.Close()

	for _, item := range demoProducts {
		product, err := container.ProductRepo.GetBySlug(ctx, item.Slug)
		if err != nil {
			stdLog.Fatalf("Failed to load product %s: %v", item.Slug, err)
		}
		if product == nil {
			product = &models.Product{Slug: item.Slug, Name: item.Name, IsActive: true}
			if err := container.ProductRepo.Create(ctx, product); err != nil {
				stdLog.Fatalf("Failed to create product %s: %v", item.Slug, err)
			}
			stdLog.Printf("Created product: %s", item.Slug)
		} else {
			stdLog.Printf("Product already exists: %s", item.Slug)
		}
		if item.Stock == 0 {
			continue
		}

		// 导入默认去重，重复执行不会产生重复卡密
		lines := make([]string, 0, item.Stock)
		for i := 1; i <= item.Stock; i++ {
			lines = append(lines, fmt.Sprintf("%s-%04d", strings.ToUpper(item.Slug), i))
		}
		result, err := container.CardImportService.ImportCards(ctx, service.ImportCardsInput{
			ProductID: product.ID,
			Content:   strings.Join(lines, "\n"),
			Delimiter: constants.CardDelimiterNewline,
			Note:      "seed",
		})
		switch {
		case errors.Is(err, service.ErrAllDuplicates):
			stdLog.Printf("Stock already seeded: %s", item.Slug)
		case err != nil:
			stdLog.Fatalf("Failed to seed stock for %s: %v", item.Slug, err)
		default:
			stdLog.Printf("Seeded %d cards for %s (batch %s)", result.Stats.Imported, item.Slug, result.Batch.BatchNo)
		}
	}

	stdLog.Printf("Seed completed")
}
