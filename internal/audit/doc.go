// Package audit 实现只增不改的审计账本。
//
// 账本以存储层为准；镜像写入审计日志文件、广播到 Redis 或 RabbitMQ
// 都是尽力而为的旁路，失败不会阻断业务操作。
package audit
