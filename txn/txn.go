package txn

import (
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// wnode is the mutable, in-memory working-tree representation a Txn edits.
// Unmodified subtrees stay as bare persisted keys (childKeys) and are never
// loaded or re-saved — that is the copy-on-write property a transaction
// must preserve. A wnode is materialized (loaded from its persisted key) only
// when something underneath it needs to change.
type wnode struct {
	id           string
	kind         Kind
	persistedKey string // objstore key this node was loaded from; "" if new this txn
	baseModRev   int64  // mod-rev as of txn base; -1 if new this txn
	dirty        bool   // true once this node's own content/props/children changed
	parent       *wnode // nil for the txn root

	contentKey string // file/symlink content, valid when !dirty or after WriteContents
	props      objstore.Props
	propsRead  bool
	propsKey   string // persisted props key to inherit if never re-read/modified (set by Copy)

	children  map[string]*wnode // materialized children, dir only
	childKeys map[string]string // un-materialized children: name -> persisted key
	order     []string          // child name order
}

func wnodeFromPersisted(n *node) *wnode {
	w := &wnode{
		id:           n.ID,
		kind:         n.Kind,
		persistedKey: "", // filled by caller if loaded by key
		baseModRev:   n.ModRev,
		contentKey:   n.ContentKey,
	}
	if n.Kind == KindDir {
		w.childKeys = make(map[string]string, len(n.Children))
		for k, v := range n.Children {
			w.childKeys[k] = v
		}
		w.order = append([]string(nil), n.ChildOrder...)
	}
	return w
}

// touchedEntry records a pre-existing node the txn has modified, for the
// out-of-date check performed at commit.
type touchedEntry struct {
	path       string
	nodeID     string
	baseModRev int64
}

// Txn is an open transaction against a base revision. It is not safe for
// concurrent use by multiple goroutines.
type Txn struct {
	mgr     *Manager
	base    int64
	root    *wnode
	touched []touchedEntry
	done    bool

	dirtyMu sync.Mutex // guards dirtyIDs appends when finalize fans out across mgr.blobPool
}

// Handle is a lightweight reference to a node reached through a Txn,
// returned by Open/MakeFile/MakeDir.
type Handle struct {
	Path string
	Kind Kind
	w    *wnode
}

// BeginTxn opens a new transaction against baseRev's committed tree.
func (m *Manager) BeginTxn(baseRev int64) (*Txn, error) {
	rootKey, err := m.rootKeyAt(baseRev)
	if err != nil {
		return nil, err
	}
	n, err := loadNode(m.store, rootKey)
	if err != nil {
		return nil, err
	}
	w := wnodeFromPersisted(n)
	w.persistedKey = rootKey
	return &Txn{mgr: m, base: baseRev, root: w}, nil
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// materialize returns the child of parent named name, loading it from its
// persisted key on first access. Returns (nil, false, nil) if absent.
func (t *Txn) materialize(parent *wnode, name string) (*wnode, bool, error) {
	if parent.children == nil {
		parent.children = make(map[string]*wnode)
	}
	if w, ok := parent.children[name]; ok {
		return w, true, nil
	}
	key, ok := parent.childKeys[name]
	if !ok {
		return nil, false, nil
	}
	n, err := loadNode(t.mgr.store, key)
	if err != nil {
		return nil, false, err
	}
	w := wnodeFromPersisted(n)
	w.persistedKey = key
	w.parent = parent
	parent.children[name] = w
	delete(parent.childKeys, name)
	return w, true, nil
}

// walk resolves path down to its final wnode, materializing every
// directory along the way. It does not mark anything dirty.
func (t *Txn) walk(parts []string) (*wnode, string, error) {
	cur := t.root
	walked := ""
	for i, part := range parts {
		if cur.kind != KindDir {
			return nil, "", svnerr.New(svnerr.PathNotFound, walked, "not a directory")
		}
		child, ok, err := t.materialize(cur, part)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", svnerr.New(svnerr.PathNotFound, path.Join(walked, strings.Join(parts[i:], "/")), "no such path in transaction")
		}
		cur = child
		walked = path.Join(walked, part)
	}
	return cur, walked, nil
}

// markTouched flags w as an out-of-date candidate (conflict-checked at
// commit against its own node-id) and dirty (persisted under a new key).
// Use this for an edit to w's own content/props/identity: two concurrent
// writers of the very same node must conflict.
func (t *Txn) markTouched(w *wnode, fullPath string) {
	if !w.dirty {
		if w.baseModRev >= 0 {
			t.touched = append(t.touched, touchedEntry{path: fullPath, nodeID: w.id, baseModRev: w.baseModRev})
		}
		w.dirty = true
	}
	markDirtyAncestors(w)
}

// markDirty flags w as needing to be re-persisted under a new key without
// adding it to the out-of-date conflict list. Use this for a purely
// structural change to w's child set (a new sibling entry created or
// removed): two txns adding or removing different entries under the
// same directory must not conflict with each other, even though both
// give that directory a new persisted key.
func (t *Txn) markDirty(w *wnode) {
	if !w.dirty {
		w.dirty = true
	}
	markDirtyAncestors(w)
}

// markDirtyAncestors propagates dirty up from w's parent to the txn
// root: a directory's key must change whenever any descendant's key
// changes (copy-on-write sharing means a parent's Children map always
// has to point at the new child key). Ancestors are never added to the
// out-of-date conflict list by this propagation.

func markDirtyAncestors(w *wnode) {
	for p := w.parent; p != nil; p = p.parent {
		if p.dirty {
			return
		}
		p.dirty = true
	}
}

func (t *Txn) loadProps(w *wnode) error {
	if w.propsRead {
		return nil
	}
	propsKey := w.propsKey
	if propsKey == "" && w.persistedKey != "" {
		n, err := loadNode(t.mgr.store, w.persistedKey)
		if err != nil {
			return err
		}
		propsKey = n.PropsKey
	}
	if propsKey == "" {
		w.props = objstore.Props{}
	} else {
		p, err := t.mgr.store.GetProps(propsKey)
		if err != nil {
			return err
		}
		w.props = p
	}
	w.propsRead = true
	return nil
}

// Open resolves path within the txn for reading or further editing.
func (t *Txn) Open(p string) (*Handle, error) {
	w, full, err := t.walk(splitPath(p))
	if err != nil {
		return nil, err
	}
	return &Handle{Path: "/" + full, Kind: w.kind, w: w}, nil
}

func (t *Txn) openParent(p string) (*wnode, string, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", "", svnerr.New(svnerr.PathNotFound, p, "path has no parent")
	}
	parentParts, name := parts[:len(parts)-1], parts[len(parts)-1]
	parent, parentPath, err := t.walk(parentParts)
	if err != nil {
		return nil, "", "", err
	}
	return parent, parentPath, name, nil
}

func (t *Txn) makeNode(p string, kind Kind) (*Handle, error) {
	parent, parentPath, name, err := t.openParent(p)
	if err != nil {
		return nil, err
	}
	if parent.kind != KindDir {
		return nil, svnerr.New(svnerr.PathNotFound, parentPath, "parent is not a directory")
	}
	if _, ok, err := t.materialize(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, svnerr.New(svnerr.AlreadyExists, path.Join(parentPath, name), "entry already exists")
	}
	child := &wnode{id: uuid.NewString(), kind: kind, baseModRev: -1, dirty: true, parent: parent, propsRead: true, props: objstore.Props{}}
	if kind == KindDir {
		child.children = make(map[string]*wnode)
	}
	parent.children[name] = child
	parent.order = append(parent.order, name)
	t.markDirty(parent)
	return &Handle{Path: path.Join("/", parentPath, name), Kind: kind, w: child}, nil
}

// MakeFile creates a new file node at p.
func (t *Txn) MakeFile(p string) (*Handle, error) { return t.makeNode(p, KindFile) }

// MakeDir creates a new directory node at p.
func (t *Txn) MakeDir(p string) (*Handle, error) { return t.makeNode(p, KindDir) }

// Delete removes the entry at p. The deleted
// entry itself is conflict-checked against its own base revision (you
// cannot delete out from under a concurrent edit); the parent is only
// marked dirty, since two txns deleting different siblings under the
// same directory must not conflict with each other.
func (t *Txn) Delete(p string) error {
	parent, parentPath, name, err := t.openParent(p)
	if err != nil {
		return err
	}
	child, ok, err := t.materialize(parent, name)
	if err != nil {
		return err
	} else if !ok {
		return svnerr.New(svnerr.PathNotFound, path.Join(parentPath, name), "no such entry")
	}
	t.markTouched(child, path.Join(parentPath, name))
	delete(parent.children, name)
	delete(parent.childKeys, name)
	for i, n := range parent.order {
		if n == name {
			parent.order = append(parent.order[:i], parent.order[i+1:]...)
			break
		}
	}
	t.markDirty(parent)
	return nil
}

// Copy copies the tree rooted at srcPath, as it existed in srcRev, to
// dstPath within this txn. The copy is a new
// node identity; it shares content/prop keys with its source until
// further edited, giving the copy real copy-on-write structure sharing.
func (t *Txn) Copy(srcPath string, srcRev int64, dstPath string) (*Handle, error) {
	pn, err := t.mgr.NodeAt(srcRev, srcPath)
	if err != nil {
		return nil, err
	}
	srcNode := (*node)(pn)

	parent, parentPath, name, err := t.openParent(dstPath)
	if err != nil {
		return nil, err
	}
	if _, ok, err := t.materialize(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, svnerr.New(svnerr.AlreadyExists, path.Join(parentPath, name), "entry already exists")
	}

	copied := wnodeFromPersisted(srcNode)
	copied.id = uuid.NewString()
	copied.baseModRev = -1
	copied.dirty = true
	copied.parent = parent
	copied.persistedKey = ""
	copied.propsKey = srcNode.PropsKey
	if srcNode.Kind == KindDir {
		copied.childKeys = make(map[string]string, len(srcNode.Children))
		for k, v := range srcNode.Children {
			copied.childKeys[k] = v
		}
		copied.order = append([]string(nil), srcNode.ChildOrder...)
	}
	parent.children[name] = copied
	parent.order = append(parent.order, name)
	t.markDirty(parent)
	return &Handle{Path: path.Join("/", parentPath, name), Kind: copied.kind, w: copied}, nil
}

// WriteContents replaces a file or symlink handle's contents.
func (t *Txn) WriteContents(h *Handle, r io.Reader) (objstore.Checksums, error) {
	if h.w.kind == KindDir {
		return objstore.Checksums{}, svnerr.New(svnerr.PathNotFound, h.Path, "cannot write contents to a directory")
	}
	key, err := t.mgr.store.NewKey()
	if err != nil {
		return objstore.Checksums{}, err
	}
	sums, err := t.mgr.store.PutStream(key, r)
	if err != nil {
		return objstore.Checksums{}, err
	}
	h.w.contentKey = key
	t.markTouched(h.w, h.Path)
	return sums, nil
}

// SetProp sets (value non-nil) or deletes (value nil) a property on h.
func (t *Txn) SetProp(h *Handle, name string, value []byte) error {
	if err := t.loadProps(h.w); err != nil {
		return err
	}
	if value == nil {
		delete(h.w.props, name)
	} else {
		h.w.props[name] = value
	}
	t.markTouched(h.w, h.Path)
	return nil
}

// GetProp reads a single property from h, or nil if unset.
func (t *Txn) GetProp(h *Handle, name string) ([]byte, error) {
	if err := t.loadProps(h.w); err != nil {
		return nil, err
	}
	return h.w.props[name], nil
}

// Abort discards this transaction. Any objstore keys already allocated by
// WriteContents calls are simply left unreferenced — the object store is
// append-only and does not garbage collect, a known limitation of this
// simplified store.
func (t *Txn) Abort() error {
	t.done = true
	return nil
}

// Commit finalizes the transaction, performing the out-of-date check and,
// if it passes, persisting every dirty node and assigning the new
// revision number.
func (t *Txn) Commit(logMessage, author string) (int64, time.Time, error) {
	if t.done {
		return 0, time.Time{}, svnerr.New(svnerr.IncorrectParams, "", "transaction already finalized")
	}
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	for _, te := range t.touched {
		latest, found, err := t.mgr.nodeModRev(te.nodeID)
		if err != nil {
			return 0, time.Time{}, err
		}
		if found && latest > te.baseModRev {
			return 0, time.Time{}, svnerr.New(svnerr.OutOfDate, te.path, "node is out of date: modified by a later commit")
		}
	}

	youngest, err := t.mgr.Youngest()
	if err != nil {
		return 0, time.Time{}, err
	}
	newRev := youngest + 1
	now := time.Now()

	var dirtyIDs []string
	rootKey, err := t.finalize(t.root, newRev, &dirtyIDs, true)
	if err != nil {
		return 0, time.Time{}, err
	}

	if err := t.mgr.persistRevision(newRev, rootKey, now.Unix(), author); err != nil {
		return 0, time.Time{}, err
	}
	props := objstore.Props{"svn:log": []byte(logMessage), "svn:author": []byte(author)}
	if err := t.mgr.store.DB().Update(func(txb *bolt.Tx) error {
		for _, id := range dirtyIDs {
			if err := t.mgr.setNodeModRev(txb, id, newRev); err != nil {
				return err
			}
		}
		return txb.Bucket(bucketRevProps).Put(revKeyBytes(newRev), objstore.SerializeProps(props))
	}); err != nil {
		return 0, time.Time{}, svnerr.Wrap(svnerr.IO, "", "failed to finalize commit bookkeeping", err)
	}

	t.done = true
	return newRev, now, nil
}

// finalize persists w if dirty (recursing into materialized children
// first) and returns the objstore key that should be used to reference it
// from its parent. Clean nodes return their existing persisted key
// untouched, which is the copy-on-write sharing a transaction must preserve.
func (t *Txn) finalize(w *wnode, newRev int64, dirtyIDs *[]string, allowPool bool) (string, error) {
	if !w.dirty {
		return w.persistedKey, nil
	}

	n := &node{ID: w.id, Kind: w.kind, ModRev: newRev}

	if w.kind == KindDir {
		n.Children = make(map[string]string, len(w.childKeys)+len(w.children))
		for name, key := range w.childKeys {
			n.Children[name] = key
		}
		if err := t.finalizeChildren(w.children, newRev, dirtyIDs, n.Children, allowPool); err != nil {
			return "", err
		}
		n.ChildOrder = append([]string(nil), w.order...)
	} else {
		n.ContentKey = w.contentKey
	}

	if w.propsRead {
		if len(w.props) > 0 {
			propsKey, err := t.mgr.store.NewKey()
			if err != nil {
				return "", err
			}
			if err := t.mgr.store.PutProps(propsKey, w.props); err != nil {
				return "", err
			}
			n.PropsKey = propsKey
		}
	} else if w.propsKey != "" {
		n.PropsKey = w.propsKey
	} else if w.persistedKey != "" {
		old, err := loadNode(t.mgr.store, w.persistedKey)
		if err != nil {
			return "", err
		}
		n.PropsKey = old.PropsKey
	}

	key, err := saveNode(t.mgr.store, n)
	if err != nil {
		return "", err
	}
	t.dirtyMu.Lock()
	*dirtyIDs = append(*dirtyIDs, w.id)
	t.dirtyMu.Unlock()
	return key, nil
}

// finalizeChildren finalizes every materialized child of a directory,
// writing each result into out under its name. When allowPool is true
// and the manager has a blob pool set, independent siblings are fanned
// out across it - the same bounded-concurrency idiom applied elsewhere
// to independent blob writes - since one child's save has no bearing on
// another's.
// allowPool is only ever true for the directory finalize starts at
// (Commit passes true for the txn root); every recursive finalize call
// this fan-out itself makes passes false, so a subdirectory's own
// children are always finalized sequentially by whichever pool worker
// is finalizing that subdirectory. Submitting a second, nested round of
// tasks to the same bounded pool and then blocking on their results
// would starve the pool the moment every worker was itself waiting on a
// nested submission no free worker is left to run; capping the fan-out
// to one level avoids that deadlock while still covering the common
// case a commit actually stresses - many files changed in one
// directory - since the object store's own serialized-writes-at-the-
// bbolt-layer contract means there is nothing to gain from also
// parallelizing the tree structure above it.
func (t *Txn) finalizeChildren(children map[string]*wnode, newRev int64, dirtyIDs *[]string, out map[string]string, allowPool bool) error {
	if !allowPool || t.mgr.blobPool == nil || len(children) < 2 {
		for name, child := range children {
			key, err := t.finalize(child, newRev, dirtyIDs, false)
			if err != nil {
				return err
			}
			out[name] = key
		}
		return nil
	}

	type result struct {
		name string
		key  string
		err  error
	}
	results := make(chan result, len(children))
	for name, child := range children {
		name, child := name, child
		t.mgr.blobPool.Submit(func() {
			key, err := t.finalize(child, newRev, dirtyIDs, false)
			results <- result{name: name, key: key, err: err}
		})
	}
	var firstErr error
	for range children {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			continue
		}
		if firstErr == nil {
			out[r.name] = r.key
		}
	}
	return firstErr
}
