/*
Package classifier 实现 intake → classified 的任务分类阶段。

Stage 订阅 intake topic，从请求（含嵌套信封）中取出任务描述，
经 Classifier 得到分类码与 UserContext / ProcessContext，随后把原始
请求原样嵌入 original_task_data 发布到 classified topic。分类失败或
返回未知分类码时回退为 UNKNOWN 与空上下文。

内置实现：

  - KeywordClassifier: 基于可配置关键词规则的分类，并提取 risk_level、
    investment_horizon、sectors_of_interest 等偏好
  - CachedClassifier: 基于 ristretto 的分类结果缓存
*/
package classifier
