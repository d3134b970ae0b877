/*
Package bus 定义主题发布订阅总线接口及其驱动实现。

总线只承诺至多一次投递：消息不持久化，订阅建立前发布的消息会丢失。
同一订阅内的回调串行执行，不同订阅之间并发执行；处理函数的 panic
会被恢复并记录日志，不会中断投递循环。

驱动：

  - MemoryBus：进程内实现，每个订阅一个有界队列与投递 goroutine
  - RedisBus：基于 go-redis 的 PUB/SUB，Subscribe 会等待服务端确认
  - NATSBus：基于 nats.go 的核心 subject 订阅

连接失败与发布失败统一返回 types.ErrBusUnavailable 且可重试。
Topics 描述流水线的五类主题：intake、classified、dispatch 前缀、
replies 与 final。
*/
package bus
