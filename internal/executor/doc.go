// Package executor 编排转账的模拟与执行。
//
// 模拟只触达链的读路径；执行路径短暂持有签名私钥，任何失败都折叠
// 成 success=false 的结果。两条路径的每次调用都落一条审计记录。
package executor
