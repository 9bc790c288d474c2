package txn

import (
	"encoding/json"
	"strings"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
)

// Kind is a versioned node's variant.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// symlinkPrefix: a symlink in repository-normal form is stored as a file
// whose contents are the literal `link ` followed by the target string.
// We reuse this exact framing for the object store's representation of a
// symlink node, not only for the working copy.
const symlinkPrefix = "link "

// node is the immutable, persisted snapshot of one versioned object in
// one revision. Nodes are never mutated once written: copy-on-write
// transactions build new nodes and point existing unchanged subtrees at
// their old keys.
type node struct {
	ID         string            `json:"id"`   // node-id: stable across edits; a copy gets a new one
	Kind       Kind              `json:"kind"`
	ModRev     int64             `json:"mod_rev"` // created-revision: last revision that re-persisted this node (its own content/props, or for a directory, anything beneath it)
	ContentKey string            `json:"content_key,omitempty"`
	PropsKey   string            `json:"props_key,omitempty"`
	Children   map[string]string `json:"children,omitempty"`   // name -> child node's objstore key
	ChildOrder []string          `json:"child_order,omitempty"` // stable iteration order
}

// PersistedNode is the externally visible view of a committed node,
// returned by Manager.NodeAt for read-only consumers outside this package
// (repo's get-file/get-dir/check-path).
type PersistedNode node

func (n *node) clone() *node {
	c := *n
	if n.Children != nil {
		c.Children = make(map[string]string, len(n.Children))
		for k, v := range n.Children {
			c.Children[k] = v
		}
	}
	if n.ChildOrder != nil {
		c.ChildOrder = append([]string(nil), n.ChildOrder...)
	}
	return &c
}

func saveNode(store *objstore.Store, n *node) (string, error) {
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", svnerr.Wrap(svnerr.IO, "", "failed to marshal node", err)
	}
	if _, err := store.PutStream(key, strings.NewReader(string(data))); err != nil {
		return "", err
	}
	return key, nil
}

func loadNode(store *objstore.Store, key string) (*node, error) {
	r, err := store.GetStream(key)
	if err != nil {
		return nil, err
	}
	var buf []byte
	b := make([]byte, 4096)
	for {
		n, err := r.Read(b)
		if n > 0 {
			buf = append(buf, b[:n]...)
		}
		if err != nil {
			break
		}
	}
	var n node
	if err := json.Unmarshal(buf, &n); err != nil {
		return nil, svnerr.Wrap(svnerr.MalformedFile, key, "failed to unmarshal node", err)
	}
	return &n, nil
}
