package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/cardpool-next/internal/service"

	"github.com/spf13/cobra"
)

func newCreateCommand(root *RootOptions) *cobra.Command {
	var (
		noDedup bool
		note    string
	)
	cmd := &cobra.Command{
		Use:   "create <product-id> <content>",
		Short: "新增单条卡密",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseID(args[0], "product id")
			if err != nil {
				return err
			}
			dedup := !noDedup
			card, err := root.container.CardImportService.CreateCard(cmd.Context(), service.CreateCardInput{
				ProductID:   productID,
				Content:     args[1],
				Deduplicate: &dedup,
				Note:        note,
			})
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), card, func(w io.Writer) {
				fmt.Fprintf(w, "created card %d\n", card.ID)
			})
		},
	}
	cmd.Flags().BoolVar(&noDedup, "no-dedup", false, "关闭去重")
	cmd.Flags().StringVar(&note, "note", "", "批次备注")
	return cmd
}

func newResetCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <card-id>...",
		Short: "将锁定卡密恢复为可售（已售卡密不受影响）",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "card id")
			if err != nil {
				return err
			}
			count, err := root.container.CardLifecycleService.ResetLocked(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), map[string]int{"reset": count}, func(w io.Writer) {
				fmt.Fprintf(w, "reset %d card(s)\n", count)
			})
		},
	}
}

func newDeleteCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <card-id>...",
		Short: "删除可售卡密（锁定与已售卡密会被跳过）",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "card id")
			if err != nil {
				return err
			}
			count, err := root.container.CardLifecycleService.DeleteCards(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), map[string]int{"deleted": count}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %d card(s)\n", count)
			})
		},
	}
}

func newReleaseCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <order-id>",
		Short: "释放订单锁定的卡密",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := root.container.CardAllocationService.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), map[string]int{"released": count}, func(w io.Writer) {
				fmt.Fprintf(w, "released %d card(s)\n", count)
			})
		},
	}
}

func newSweepCommand(root *RootOptions) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "释放超过锁定时长的卡密",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := root.container.CardAllocationService.SweepExpiredLocks(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), map[string]int{"released": count}, func(w io.Writer) {
				fmt.Fprintf(w, "released %d expired card(s)\n", count)
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "锁定时长阈值，0 表示使用配置值")
	return cmd
}

func newDedupeCommand(root *RootOptions) *cobra.Command {
	var (
		dryRun bool
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "dedupe <product-id>",
		Short: "清理商品中重复的可售卡密，保留最早一条",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseID(args[0], "product id")
			if err != nil {
				return err
			}
			cleanup := root.container.CardCleanupService
			switch {
			case dryRun:
				ids, err := cleanup.PreviewDuplicates(cmd.Context(), productID)
				if err != nil {
					return err
				}
				return root.render(cmd.OutOrStdout(), map[string][]uint{"redundant_ids": ids}, func(w io.Writer) {
					fmt.Fprintf(w, "%d redundant card(s): %v\n", len(ids), ids)
				})
			case async:
				if err := cleanup.DedupeAsync(cmd.Context(), productID); err != nil {
					return err
				}
				return root.render(cmd.OutOrStdout(), map[string]bool{"queued": true}, func(w io.Writer) {
					fmt.Fprintln(w, "dedupe submitted")
				})
			default:
				removed, err := cleanup.Dedupe(cmd.Context(), productID)
				if err != nil {
					return err
				}
				return root.render(cmd.OutOrStdout(), map[string]int64{"removed": removed}, func(w io.Writer) {
					fmt.Fprintf(w, "removed %d duplicate card(s)\n", removed)
				})
			}
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只列出将被删除的卡密")
	cmd.Flags().BoolVar(&async, "async", false, "投递到异步队列执行")
	return cmd
}
