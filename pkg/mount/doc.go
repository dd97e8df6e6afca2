/*
Package mount 提供了在 Linux 系统中管理挂载点的功能，用于搭建会话的合并视图。

主要功能：

1. Mount 结构体：
  - 定义挂载点的基本属性（源、目标、文件系统类型等）
  - 挂载后可修改传播类型（例如 slave）
  - 提供卸载方法

2. Builder 模式：
  - 提供流式 API 来描述一组按顺序执行的挂载
  - overlay 挂载，构建时校验挂载选项中的路径
  - 递归绑定挂载（slave 传播）

使用示例：

	mounts, err := mount.NewBuilder().
		WithOverlay("/", upper, work, merged).
		WithBinds(merged, []string{"/proc", "/dev"}).
		FilterNotExist().
		Build()
*/
package mount
