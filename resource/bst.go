package resource

// bufferTree is a binary search tree of data buffer nodes ordered by name
// hash. It's guarded by the manager's mutex.
type bufferTree struct {
	root  *bufferNode
	count int
}

func (t *bufferTree) find(hash uint64) *bufferNode {
	n := t.root
	for n != nil {
		switch {
		case hash < n.hash:
			n = n.left
		case hash > n.hash:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// insert adds the node. Node with the same hash must not be in the tree.
func (t *bufferTree) insert(n *bufferNode) {
	t.count++
	link := &t.root
	for *link != nil {
		if n.hash < (*link).hash {
			link = &(*link).left
		} else {
			link = &(*link).right
		}
	}
	*link = n
}

// remove takes the node out of the tree. Nodes are relinked, never
// copied, because consumers hold pointers to them.
func (t *bufferTree) remove(n *bufferNode) {
	link := &t.root
	for *link != nil && *link != n {
		if n.hash < (*link).hash {
			link = &(*link).left
		} else {
			link = &(*link).right
		}
	}
	if *link == nil {
		return
	}
	t.count--
	switch {
	case n.left == nil:
		*link = n.right
	case n.right == nil:
		*link = n.left
	default:
		// successor is the leftmost node of the right subtree
		succ := &n.right
		for (*succ).left != nil {
			succ = &(*succ).left
		}
		s := *succ
		*succ = s.right
		s.left, s.right = n.left, n.right
		*link = s
	}
	n.left, n.right = nil, nil
}

// nodes returns all nodes in hash order.
func (t *bufferTree) nodes() []*bufferNode {
	result := make([]*bufferNode, 0, t.count)
	var walk func(*bufferNode)
	walk = func(n *bufferNode) {
		if n == nil {
			return
		}
		walk(n.left)
		result = append(result, n)
		walk(n.right)
	}
	walk(t.root)
	return result
}
