package manager

import (
	"errors"
)

// Selector 选择 Stop 和 Delete 作用的会话
type Selector struct {
	// All 选择所有会话，并强制卸载
	All bool
	// Names 是会话名称，重复的名称只处理一次
	Names []string
	// Force 以 MNT_DETACH 卸载忙碌的挂载
	Force bool
}

// names 返回去重后的名称，保持原有顺序
func (s Selector) names() []string {
	seen := make(map[string]bool, len(s.Names))
	ret := make([]string, 0, len(s.Names))
	for _, n := range s.Names {
		if seen[n] {
			continue
		}
		seen[n] = true
		ret = append(ret, n)
	}
	return ret
}

// Item 是单个会话的操作结果
type Item struct {
	Name string
	Err  error
}

// Report 是批量操作的结果
type Report struct {
	Items []Item
}

// Err 合并所有失败项，全部成功时返回 nil
func (r Report) Err() error {
	var errs []error
	for _, it := range r.Items {
		if it.Err != nil {
			errs = append(errs, it.Err)
		}
	}
	return errors.Join(errs...)
}

// Succeeded 返回成功的会话名称
func (r Report) Succeeded() []string {
	var ret []string
	for _, it := range r.Items {
		if it.Err == nil {
			ret = append(ret, it.Name)
		}
	}
	return ret
}
