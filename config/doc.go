// Package config 提供 agentbus 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 环境变量统一使用 AGENTBUS_ 前缀，嵌套字段以下划线连接。
// 各组件的配置结构定义在组件自身的包中，本包只负责组合、加载与校验。
package config
