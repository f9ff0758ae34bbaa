// Package chain 管理 SR 中的 CoW 链
//
// Tree 是链的内存视图：节点按卷 UUID 存放，父节点只保存 UUID，
// 插入和改父节点时拒绝成环。Engine 在 Tree 之上执行克隆、快照、
// 扩缩容与隐藏等结构性修改，所有结构性修改只在 master 上进行。
package chain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jimyag/jsm/pkg/cowutil"
)

// Node 链上的一个卷
type Node struct {
	ID       string
	LVName   string
	Type     cowutil.Format
	ParentID string
	Hidden   bool
	SizeVirt uint64
	SizePhys uint64
	// LVSize 逻辑卷当前分配的大小
	LVSize uint64
}

// Tree 卷 UUID 到节点的映射
type Tree struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]map[string]struct{}
}

// NewTree 创建空树
func NewTree() *Tree {
	return &Tree{
		nodes:    make(map[string]*Node),
		children: make(map[string]map[string]struct{}),
	}
}

// Len 节点数
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Insert 插入节点，父节点可以稍后再插入
func (t *Tree) Insert(n Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.ID == "" {
		return fmt.Errorf("node has no id")
	}
	if _, ok := t.nodes[n.ID]; ok {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	if err := t.checkCycle(n.ID, n.ParentID); err != nil {
		return err
	}

	node := n
	t.nodes[n.ID] = &node
	t.link(n.ID, n.ParentID)
	return nil
}

// Update 替换已有节点的属性，不改变父节点
func (t *Tree) Update(n Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.nodes[n.ID]
	if !ok {
		return fmt.Errorf("node %s not found", n.ID)
	}
	n.ParentID = old.ParentID
	*old = n
	return nil
}

// SetParent 修改节点的父节点，parentID 为空表示变成根
func (t *Tree) SetParent(id, parentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	if err := t.checkCycle(id, parentID); err != nil {
		return err
	}

	t.unlink(id, node.ParentID)
	node.ParentID = parentID
	t.link(id, parentID)
	return nil
}

// checkCycle 沿 parentID 向上走，不能回到 id
func (t *Tree) checkCycle(id, parentID string) error {
	for cur := parentID; cur != ""; {
		if cur == id {
			return fmt.Errorf("setting parent of %s to %s creates a cycle", id, parentID)
		}
		p, ok := t.nodes[cur]
		if !ok {
			return nil
		}
		cur = p.ParentID
	}
	return nil
}

func (t *Tree) link(id, parentID string) {
	if parentID == "" {
		return
	}
	set, ok := t.children[parentID]
	if !ok {
		set = make(map[string]struct{})
		t.children[parentID] = set
	}
	set[id] = struct{}{}
}

func (t *Tree) unlink(id, parentID string) {
	if parentID == "" {
		return
	}
	if set, ok := t.children[parentID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(t.children, parentID)
		}
	}
}

// Get 返回节点的副本
func (t *Tree) Get(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Parent 返回父节点，父节点不在树中时返回 false
func (t *Tree) Parent(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok || n.ParentID == "" {
		return Node{}, false
	}
	p, ok := t.nodes[n.ParentID]
	if !ok {
		return Node{}, false
	}
	return *p, true
}

// Children 返回子节点 UUID，按字典序
func (t *Tree) Children(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.childrenLocked(id)
}

func (t *Tree) childrenLocked(id string) []string {
	set := t.children[id]
	ids := make([]string, 0, len(set))
	for c := range set {
		ids = append(ids, c)
	}
	sort.Strings(ids)
	return ids
}

// Depth 节点到根的边数，根为 0
// 父节点不在树中的节点按根处理
func (t *Tree) Depth(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	depth := 0
	n, ok := t.nodes[id]
	for ok && n.ParentID != "" {
		n, ok = t.nodes[n.ParentID]
		if ok {
			depth++
		}
	}
	return depth
}

// Leaves 没有子节点的节点 UUID
func (t *Tree) Leaves() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id := range t.nodes {
		if len(t.children[id]) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Nodes 所有节点的副本，按 UUID 排序
func (t *Tree) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Remove 删除节点，只允许删除没有子节点的节点
func (t *Tree) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	if len(t.children[id]) > 0 {
		return fmt.Errorf("node %s still has children %v", id, t.childrenLocked(id))
	}
	t.unlink(id, n.ParentID)
	delete(t.nodes, id)
	return nil
}

// dropIDs 无条件删除节点，子节点会失去父节点
func (t *Tree) dropIDs(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		n, ok := t.nodes[id]
		if !ok {
			continue
		}
		t.unlink(id, n.ParentID)
		delete(t.children, id)
		delete(t.nodes, id)
	}
}
