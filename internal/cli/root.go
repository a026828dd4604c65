package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cardpool-next/internal/config"
	"github.com/cardpool-next/internal/logger"
	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/provider"

	"github.com/spf13/cobra"
)

// RootOptions 全局参数
type RootOptions struct {
	ConfigFile string
	Format     string // text / json

	container *provider.Container
}

// NewRootCommand 创建 cardctl 根命令
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cardctl",
		Short:         "卡密库存运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return opts.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.container.Close()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "配置文件路径，默认按 ./config.yml 查找")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "输出格式 (text|json)")

	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newBatchesCommand(opts))
	cmd.AddCommand(newDedupeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newReleaseCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	return cmd
}

// setup 加载配置并初始化数据库与服务容器
func (o *RootOptions) setup() error {
	if o.container != nil {
		return nil
	}
	cfg, err := config.LoadFrom(o.ConfigFile)
	if err != nil {
		return err
	}
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	db, err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.LogLevel, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	o.container = provider.NewContainer(cfg, db)
	return nil
}

// render 按输出格式打印结果，text 模式使用 textFn
func (o *RootOptions) render(w io.Writer, value interface{}, textFn func(io.Writer)) error {
	if o.Format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	}
	textFn(w)
	return nil
}

func parseID(raw, name string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return uint(id), nil
}

func parseIDs(raw []string, name string) ([]uint, error) {
	ids := make([]uint, 0, len(raw))
	for _, item := range raw {
		id, err := parseID(item, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
