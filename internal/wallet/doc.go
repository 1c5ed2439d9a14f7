// Package wallet 管理托管钱包的生命周期与消费策略。
//
// 钱包创建与默认策略写入在同一逻辑事务中完成；签名私钥只通过
// SigningKey 短暂解出，所有查询路径返回的视图不含密钥材料。
package wallet
