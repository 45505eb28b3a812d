package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// replicated document store. the shared document is a delta-state crdt:
// every edit is an op with a ulid op id, a fragment is a json batch of ops,
// and merge is keyed union. applying the same fragment twice or applying
// fragments in any order materializes the same value, which is the only
// contract the engine and relay rely on.
//
// text is a set of single-character inserts with fractional positions and
// tombstone deletes. structured fields are last-write-wins registers where
// the highest op id wins (ulids from any source are time-ordered).

const (
	opInsert = "insert"
	opDelete = "delete"
	opSet    = "set"
)

type docOp struct {
	OpId Id     `json:"opId"`
	Kind string `json:"kind"`

	// insert
	Pos float64 `json:"pos,omitempty"`
	Ch  string  `json:"ch,omitempty"`

	// delete
	Target Id `json:"target,omitempty"`

	// set
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

type docFragment struct {
	Ops []*docOp `json:"ops"`
}

type DocValue struct {
	Text   string
	Fields map[string]string
}

// the engine depends on this interface so tests and callers can substitute
// their own replicated data type. `*Doc` is the packaged implementation.
type DocStore interface {
	ApplyRemote(fragment []byte) error
	// returns the encoded local ops not yet handed out, if any
	TakeLocalUpdates() ([]byte, bool)
	// adds the fragment's ops to the doc and marks them pending local
	// delivery. used for caller-produced edit fragments and to requeue a
	// taken fragment when its send fails.
	EnqueueLocalUpdates(fragment []byte)
	// re-marks every locally created op as pending. called on abnormal
	// channel loss, where delivery of recent sends is unknown. resending
	// is safe because merge is idempotent.
	MarkAllLocalPending()
	Snapshot() ([]byte, error)
	Value() DocValue
	PendingLocal() bool
}

type Doc struct {
	mutex sync.Mutex

	ops      map[Id]*docOp
	localIds map[Id]bool
	pending  []Id
}

func NewDoc() *Doc {
	return &Doc{
		ops:      map[Id]*docOp{},
		localIds: map[Id]bool{},
	}
}

func (self *Doc) InsertText(index int, text string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	chars := self.visibleChars()
	if index < 0 {
		index = 0
	}
	if len(chars) < index {
		index = len(chars)
	}

	left := float64(0)
	if 0 < index {
		left = chars[index-1].Pos
	}
	right := left + 1
	if index < len(chars) {
		right = chars[index].Pos
	}

	runes := []rune(text)
	for i, r := range runes {
		op := &docOp{
			OpId: NewId(),
			Kind: opInsert,
			Pos:  left + (right-left)*float64(i+1)/float64(len(runes)+1),
			Ch:   string(r),
		}
		self.addLocal(op)
	}
}

func (self *Doc) DeleteText(index int, count int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	chars := self.visibleChars()
	for i := index; i < index+count && i < len(chars); i += 1 {
		if i < 0 {
			continue
		}
		op := &docOp{
			OpId:   NewId(),
			Kind:   opDelete,
			Target: chars[i].OpId,
		}
		self.addLocal(op)
	}
}

func (self *Doc) SetField(field string, value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	op := &docOp{
		OpId:  NewId(),
		Kind:  opSet,
		Field: field,
		Value: value,
	}
	self.addLocal(op)
}

func (self *Doc) addLocal(op *docOp) {
	self.ops[op.OpId] = op
	self.localIds[op.OpId] = true
	self.pending = append(self.pending, op.OpId)
}

func (self *Doc) ApplyRemote(fragment []byte) error {
	var f docFragment
	if err := json.Unmarshal(fragment, &f); err != nil {
		return fmt.Errorf("malformed fragment: %w", err)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, op := range f.Ops {
		if _, ok := self.ops[op.OpId]; ok {
			// already applied
			continue
		}
		self.ops[op.OpId] = op
	}
	return nil
}

func (self *Doc) TakeLocalUpdates() ([]byte, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.pending) == 0 {
		return nil, false
	}

	ops := []*docOp{}
	for _, opId := range self.pending {
		if op, ok := self.ops[opId]; ok {
			ops = append(ops, op)
		}
	}
	self.pending = nil

	b, err := json.Marshal(&docFragment{Ops: ops})
	if err != nil {
		panic(err)
	}
	return b, true
}

func (self *Doc) EnqueueLocalUpdates(fragment []byte) {
	var f docFragment
	if err := json.Unmarshal(fragment, &f); err != nil {
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, op := range f.Ops {
		if _, ok := self.ops[op.OpId]; !ok {
			self.ops[op.OpId] = op
			self.localIds[op.OpId] = true
		}
		self.pending = append(self.pending, op.OpId)
	}
}

func (self *Doc) MarkAllLocalPending() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	pendingIds := map[Id]bool{}
	for _, opId := range self.pending {
		pendingIds[opId] = true
	}
	for opId := range self.localIds {
		if !pendingIds[opId] {
			self.pending = append(self.pending, opId)
		}
	}
}

func (self *Doc) PendingLocal() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return 0 < len(self.pending)
}

func (self *Doc) Snapshot() ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ops := make([]*docOp, 0, len(self.ops))
	for _, op := range self.ops {
		ops = append(ops, op)
	}
	// deterministic fragment bytes are not required, but they make
	// debugging dumps diffable
	sort.Slice(ops, func(i int, j int) bool {
		return ops[i].OpId.LessThan(ops[j].OpId)
	})
	return json.Marshal(&docFragment{Ops: ops})
}

func (self *Doc) Value() DocValue {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	text := ""
	for _, op := range self.visibleChars() {
		text += op.Ch
	}

	fields := map[string]string{}
	winners := map[string]Id{}
	for _, op := range self.ops {
		if op.Kind != opSet {
			continue
		}
		if winnerId, ok := winners[op.Field]; !ok || winnerId.LessThan(op.OpId) {
			winners[op.Field] = op.OpId
			fields[op.Field] = op.Value
		}
	}

	return DocValue{
		Text:   text,
		Fields: fields,
	}
}

// insert ops without a tombstone, ordered by (pos, op id).
// callers must hold the mutex.
func (self *Doc) visibleChars() []*docOp {
	deleted := map[Id]bool{}
	for _, op := range self.ops {
		if op.Kind == opDelete {
			deleted[op.Target] = true
		}
	}

	chars := []*docOp{}
	for _, op := range self.ops {
		if op.Kind == opInsert && !deleted[op.OpId] {
			chars = append(chars, op)
		}
	}
	sort.Slice(chars, func(i int, j int) bool {
		if chars[i].Pos != chars[j].Pos {
			return chars[i].Pos < chars[j].Pos
		}
		return chars[i].OpId.LessThan(chars[j].OpId)
	})
	return chars
}
