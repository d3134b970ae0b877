/*
包 archive 将最终聚合结果持久化到关系数据库，便于事后查询与审计。

Archive 订阅最终结果 topic，每个任务 ID 只保留第一条结果
（INSERT ... ON CONFLICT DO NOTHING），之后的重复结果计为 duplicate。
连接由 internal/database 管理，支持 sqlite 与 postgres。
*/
package archive
