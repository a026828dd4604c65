package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cardpool-next/internal/constants"
	"github.com/cardpool-next/internal/service"

	"github.com/spf13/cobra"
)

type importOptions struct {
	file      string
	csv       bool
	delimiter string
	noDedup   bool
	note      string
}

func newImportCommand(root *RootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import <product-id>",
		Short: "批量导入卡密（文本或 CSV）",
		Long: `从文件或标准输入导入卡密。

文本模式按 --delimiter 切分（newline 或 comma），CSV 模式读取 secret/content 列或第一列。
默认开启去重：批次内重复与已存在的可售卡密会被跳过。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseID(args[0], "product id")
			if err != nil {
				return err
			}
			return runImport(cmd, root, opts, productID)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "-", "输入文件，- 表示标准输入")
	cmd.Flags().BoolVar(&opts.csv, "csv", false, "按 CSV 解析")
	cmd.Flags().StringVar(&opts.delimiter, "delimiter", constants.CardDelimiterNewline, "文本分隔符 (newline|comma)")
	cmd.Flags().BoolVar(&opts.noDedup, "no-dedup", false, "关闭去重")
	cmd.Flags().StringVar(&opts.note, "note", "", "批次备注")
	return cmd
}

func runImport(cmd *cobra.Command, root *RootOptions, opts *importOptions, productID uint) error {
	reader := cmd.InOrStdin()
	if opts.file != "" && opts.file != "-" {
		file, err := os.Open(opts.file)
		if err != nil {
			return err
		}
		defer file.Close()
		reader = file
	}
	dedup := !opts.noDedup
	importer := root.container.CardImportService

	var (
		result *service.CardImportResult
		err    error
	)
	if opts.csv {
		result, err = importer.ImportCSV(cmd.Context(), service.ImportCSVInput{
			ProductID:   productID,
			Reader:      reader,
			Deduplicate: &dedup,
			Note:        opts.note,
		})
	} else {
		content, readErr := io.ReadAll(reader)
		if readErr != nil {
			return readErr
		}
		result, err = importer.ImportCards(cmd.Context(), service.ImportCardsInput{
			ProductID:   productID,
			Content:     string(content),
			Delimiter:   opts.delimiter,
			Deduplicate: &dedup,
			Note:        opts.note,
		})
	}
	if err != nil && !errors.Is(err, service.ErrAllDuplicates) {
		return err
	}

	if renderErr := root.render(cmd.OutOrStdout(), result, func(w io.Writer) {
		stats := result.Stats
		if result.Batch != nil {
			fmt.Fprintf(w, "batch: %s\n", result.Batch.BatchNo)
		}
		fmt.Fprintf(w, "total: %d\nimported: %d\nskipped_duplicate_in_batch: %d\nskipped_existing_in_db: %d\n",
			stats.Total, stats.Imported, stats.SkippedDuplicateInBatch, stats.SkippedExistingInDB)
	}); renderErr != nil {
		return renderErr
	}
	return err
}
