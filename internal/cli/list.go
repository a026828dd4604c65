package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/cardpool-next/internal/models"
	"github.com/cardpool-next/internal/service"

	"github.com/spf13/cobra"
)

type listResult struct {
	Items []models.Card `json:"items"`
	Total int64         `json:"total"`
}

func newListCommand(root *RootOptions) *cobra.Command {
	input := service.ListCardsInput{}
	cmd := &cobra.Command{
		Use:   "list <product-id>",
		Short: "分页查看商品卡密（可售在前）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseID(args[0], "product id")
			if err != nil {
				return err
			}
			input.ProductID = productID
			items, total, err := root.container.CardQueryService.ListCards(cmd.Context(), input)
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), listResult{Items: items, Total: total}, func(w io.Writer) {
				for _, card := range items {
					orderID := ""
					if card.OrderID != nil {
						orderID = *card.OrderID
					}
					fmt.Fprintf(w, "%-8d %-10s %-20s %s\n", card.ID, card.Status, orderID, card.CreatedAt.UTC().Format(time.RFC3339))
				}
				fmt.Fprintf(w, "total: %d\n", total)
			})
		},
	}
	cmd.Flags().StringVar(&input.Status, "status", "", "按状态过滤 (available|locked|sold)")
	cmd.Flags().StringVarP(&input.Search, "search", "q", "", "按内容模糊搜索")
	cmd.Flags().StringVar(&input.OrderID, "order", "", "按订单号过滤")
	cmd.Flags().IntVar(&input.Page, "page", 1, "页码")
	cmd.Flags().IntVar(&input.PageSize, "page-size", 50, "每页数量")
	return cmd
}

func newShowCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "查看单张卡密及其生命周期状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cardID, err := parseID(args[0], "card id")
			if err != nil {
				return err
			}
			card, err := root.container.CardQueryService.GetCard(cmd.Context(), cardID)
			if err != nil {
				return err
			}
			state, err := card.State()
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), card, func(w io.Writer) {
				fmt.Fprintf(w, "id: %d\nproduct: %d\n", card.ID, card.ProductID)
				switch st := state.(type) {
				case models.AvailableState:
					fmt.Fprintln(w, "state: available")
				case models.LockedState:
					fmt.Fprintf(w, "state: locked\norder: %s\nlocked_at: %s\n", st.OrderID, st.LockedAt.UTC().Format(time.RFC3339))
				case models.SoldState:
					fmt.Fprintf(w, "state: sold\norder: %s\nsold_at: %s\n", st.OrderID, st.SoldAt.UTC().Format(time.RFC3339))
				}
			})
		},
	}
}

func newBatchesCommand(root *RootOptions) *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "batches <product-id>",
		Short: "查看商品导入批次",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseID(args[0], "product id")
			if err != nil {
				return err
			}
			batches, total, err := root.container.CardImportService.ListBatches(cmd.Context(), productID, page, pageSize)
			if err != nil {
				return err
			}
			return root.render(cmd.OutOrStdout(), map[string]interface{}{"items": batches, "total": total}, func(w io.Writer) {
				for _, batch := range batches {
					fmt.Fprintf(w, "%-36s %-7s %6d/%-6d %s\n", batch.BatchNo, batch.Source, batch.ImportedCount, batch.TotalCount, batch.Note)
				}
				fmt.Fprintf(w, "total: %d\n", total)
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "页码")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "每页数量")
	return cmd
}
