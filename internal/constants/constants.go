package constants

// 卡密状态常量
const (
	CardStatusAvailable = "available"
	CardStatusLocked    = "locked"
	CardStatusSold      = "sold"
)

// 批量导入分隔符常量
const (
	CardDelimiterNewline = "newline"
	CardDelimiterComma   = "comma"
)

// 卡密来源常量
const (
	CardSourceManual = "manual"
	CardSourceText   = "text"
	CardSourceCSV    = "csv"
)

// 卡密输入限制
const (
	CardContentMaxLength   = 1000
	CardClaimMaxQuantity   = 100
	CardImportMaxLines     = 10000
	CardListDefaultPerPage = 50
	CardListMaxPerPage     = 500
)

// 队列名称常量
const (
	QueueDefault  = "default"
	QueueCritical = "critical"
)

// 异步任务类型常量
const (
	TaskCardOrderRelease = "card:order_release"
	TaskCardLockSweep    = "card:lock_sweep"
	TaskCardDedupe       = "card:dedupe"
)
