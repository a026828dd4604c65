package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cardpool-next/internal/repository"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const exportConcurrency = 4

func newExportCommand(root *RootOptions) *cobra.Command {
	var (
		status string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <product-id>...",
		Short: "导出卡密为 CSV（售出卡密导出完整内容）",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productIDs, err := parseIDs(args, "product id")
			if err != nil {
				return err
			}
			writer := cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				writer = file
			}
			return runExport(cmd, root, productIDs, status, writer)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "按状态过滤 (available|locked|sold)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "输出文件，- 表示标准输出")
	return cmd
}

func runExport(cmd *cobra.Command, root *RootOptions, productIDs []uint, status string, w io.Writer) error {
	// 并发查询，按参数顺序写出
	results := make([][]repository.CardExportRow, len(productIDs))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(exportConcurrency)
	for i, productID := range productIDs {
		g.Go(func() error {
			rows, err := root.container.CardQueryService.Export(ctx, productID, status)
			if err != nil {
				return fmt.Errorf("export product %d: %w", productID, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"product_id", "content", "status", "created_at", "sold_at"}); err != nil {
		return err
	}
	for i, rows := range results {
		productID := strconv.FormatUint(uint64(productIDs[i]), 10)
		for _, row := range rows {
			soldAt := ""
			if row.SoldAt != nil {
				soldAt = row.SoldAt.UTC().Format(time.RFC3339)
			}
			record := []string{productID, row.Content, row.Status, row.CreatedAt.UTC().Format(time.RFC3339), soldAt}
			if err := csvWriter.Write(record); err != nil {
				return err
			}
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
