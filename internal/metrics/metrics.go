package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cardpool"

// 占用结果标签
const (
	ClaimResultSuccess      = "success"
	ClaimResultInsufficient = "insufficient"
	ClaimResultError        = "error"
)

// 释放原因标签
const (
	ReleaseReasonOrder   = "order"
	ReleaseReasonExpired = "expired"
	ReleaseReasonReset   = "reset"
)

// Registry 库存指标注册表
var Registry = prometheus.NewRegistry()

var (
	// ClaimTotal 占用请求次数
	ClaimTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "claim_requests_total",
		Help:      "Number of claim requests by result.",
	}, []string{"result"})

	// ClaimDuration 占用耗时
	ClaimDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "claim_duration_seconds",
		Help:      "Latency of the atomic claim statement.",
		Buckets:   prometheus.DefBuckets,
	})

	// CardsLocked 被锁定的卡密数
	CardsLocked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cards_locked_total",
		Help:      "Cards moved from available to locked.",
	})

	// CardsSold 售出的卡密数
	CardsSold = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cards_sold_total",
		Help:      "Cards moved from locked to sold.",
	})

	// CardsReleased 回滚为可售的卡密数
	CardsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cards_released_total",
		Help:      "Cards moved from locked back to available, by reason.",
	}, []string{"reason"})

	// CardsImported 入库卡密数
	CardsImported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cards_imported_total",
		Help:      "Cards inserted as available, by source.",
	}, []string{"source"})

	// CardsSkipped 导入时被去重跳过的条目数
	CardsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cards_import_skipped_total",
		Help:      "Import candidates skipped by deduplication.",
	}, []string{"reason"})

	// CardsDeleted 删除的卡密数（含去重清理）
	CardsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cards_deleted_total",
		Help:      "Available cards deleted, by reason.",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ClaimTotal,
		ClaimDuration,
		CardsLocked,
		CardsSold,
		CardsReleased,
		CardsImported,
		CardsSkipped,
		CardsDeleted,
	)
}

// ObserveClaim 记录一次占用结果
func ObserveClaim(result string, claimed int, elapsed time.Duration) {
	ClaimTotal.WithLabelValues(result).Inc()
	ClaimDuration.Observe(elapsed.Seconds())
	if claimed > 0 {
		CardsLocked.Add(float64(claimed))
	}
}

// Handler 指标导出 handler
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
