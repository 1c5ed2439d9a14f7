// Package mysql 提供托管核心的持久化实现。
//
// Store 基于 database/sql 与 MySQL 驱动，启动时自动执行内置迁移；
// MemoryStore 使用 JSON 行文件做开发期替身，二者暴露同一组仓库接口。
// 除 KeyMaterial 外的所有钱包读取路径都不会返回加密私钥。
package mysql
