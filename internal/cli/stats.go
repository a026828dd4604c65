package cli

import (
	"fmt"
	"io"

	"github.com/cardpool-next/internal/service"

	"github.com/spf13/cobra"
)

type productStats struct {
	ProductID uint `json:"product_id"`
	service.CardStats
}

func newStatsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <product-id>...",
		Short: "查看商品库存统计",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productIDs, err := parseIDs(args, "product id")
			if err != nil {
				return err
			}
			items := make([]productStats, 0, len(productIDs))
			for _, productID := range productIDs {
				stats, err := root.container.CardQueryService.GetStats(cmd.Context(), productID)
				if err != nil {
					return fmt.Errorf("stats product %d: %w", productID, err)
				}
				items = append(items, productStats{ProductID: productID, CardStats: *stats})
			}
			return root.render(cmd.OutOrStdout(), items, func(w io.Writer) {
				fmt.Fprintf(w, "%-10s %10s %10s %10s %10s\n", "product", "available", "locked", "sold", "total")
				for _, item := range items {
					fmt.Fprintf(w, "%-10d %10d %10d %10d %10d\n", item.ProductID, item.Available, item.Locked, item.Sold, item.Total)
				}
			})
		},
	}
}
