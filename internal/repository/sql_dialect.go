package repository

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const likeEscapeChar = `\`

// dbDialectName 获取数据库方言名称，默认按 sqlite 处理。
func dbDialectName(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return "sqlite"
	}
	name := strings.ToLower(strings.TrimSpace(db.Dialector.Name()))
	if name == "" {
		return "sqlite"
	}
	return name
}

func isPostgresDialect(dialect string) bool {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return true
	default:
		return false
	}
}

func likeOperatorByDialect(dialect string) string {
	if isPostgresDialect(dialect) {
		return "ILIKE"
	}
	return "LIKE"
}

// containsLikeCondition 构建大小写不敏感的包含匹配条件（sqlite LIKE 对 ASCII 默认不区分大小写）。
func containsLikeCondition(dialect, column string) string {
	return fmt.Sprintf("%s %s ? ESCAPE '%s'", column, likeOperatorByDialect(dialect), likeEscapeChar)
}

// containsLikeArg 转义通配符后生成 %keyword% 参数。
func containsLikeArg(keyword string) string {
	replacer := strings.NewReplacer(
		likeEscapeChar, likeEscapeChar+likeEscapeChar,
		"%", likeEscapeChar+"%",
		"_", likeEscapeChar+"_",
	)
	return "%" + replacer.Replace(keyword) + "%"
}

// advisoryLockKey 生成按商品维度的 postgres 事务级咨询锁 key。
func advisoryLockKey(namespace uint32, id uint) int64 {
	return int64(namespace)<<32 | int64(uint32(id))
}
