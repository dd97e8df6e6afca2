package redirect

import (
	"path"
	"sort"
)

// PathSet 以层级方式存储目录子树
//
// 加入 "/proc" 后，"/proc"、"/proc/1/status" 都属于集合，
// 而 "/procfs" 不属于。加入 "/" 表示整个文件系统
type PathSet struct {
	Set        map[string]bool // 已清理的目录路径
	SystemRoot bool            // 是否包含根目录
}

// NewPathSet 创建新的集合并加入给定的路径
func NewPathSet(names ...string) PathSet {
	s := PathSet{Set: make(map[string]bool)}
	s.AddRange(names)
	return s
}

// Add 将单个目录子树加入集合，相对路径被忽略
func (s *PathSet) Add(name string) {
	if !path.IsAbs(name) {
		return
	}
	name = path.Clean(name)
	if name == "/" {
		s.SystemRoot = true
		return
	}
	if s.Set == nil {
		s.Set = make(map[string]bool)
	}
	s.Set[name] = true
}

// AddRange 将多个目录子树加入集合
func (s *PathSet) AddRange(names []string) {
	for _, n := range names {
		s.Add(n)
	}
}

/*
Contains 判断路径是否位于集合中某个子树之内

	s := NewPathSet("/proc", "/dev")
	Contains("/proc/self/fd/1") 的处理过程：
	1. 检查 "/proc/self/fd/1"
	2. 检查 "/proc/self/fd"
	3. 检查 "/proc/self"
	4. 检查 "/proc" <- 匹配
*/
func (s PathSet) Contains(name string) bool {
	if s.SystemRoot {
		return true
	}
	if !path.IsAbs(name) || len(s.Set) == 0 {
		return false
	}
	for name = path.Clean(name); name != "/"; name = path.Dir(name) {
		if s.Set[name] {
			return true
		}
	}
	return false
}

// List 返回排序后的全部子树根
func (s PathSet) List() []string {
	ret := make([]string, 0, len(s.Set)+1)
	if s.SystemRoot {
		ret = append(ret, "/")
	}
	for k := range s.Set {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
