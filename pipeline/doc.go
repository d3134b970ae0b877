/*
包 pipeline 在一个进程内装配任务流的全部角色。

数据流：client → intake topic → classifier.Stage → classified topic →
correlation.Engine → agent.<worker> → worker.Host → replies topic →
correlation.Engine → final topic → client（以及可选的 archive）。

Start 先启动消费者（引擎、worker、归档），再启动分类阶段与客户端；
Stop 按相反顺序关闭，并释放自身创建的总线、索引与数据库连接。
*/
package pipeline
