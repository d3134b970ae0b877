// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，供结果归档使用。

# 核心类型

  - Config / Open：按 driver（sqlite 使用纯 Go 的 glebarez/sqlite，
    postgres 使用 gorm.io/driver/postgres）打开 GORM 连接。
  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 重试：WithRetry 对死锁、序列化失败、连接中断等瞬时错误指数退避重试，
    最后一次失败后直接返回。
*/
package database
