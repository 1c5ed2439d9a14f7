// Package agent 实现自治智能体的注册与决策引擎。
//
// 策略在智能体构造时绑定一次：规则策略是策略快照上的纯函数，委托
// 推理策略把裁决交给外部推理引擎并在任何故障下拒绝。每次评估都
// 无条件落一条审计记录。
package agent
