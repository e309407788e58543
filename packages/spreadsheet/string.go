package spreadsheet

import "slices"

// StringTable interns external workbook tokens with reference counting.
// tokens compare case-insensitively; the first spelling seen is kept for
// display. an entry lives while at least one formula refers to it.
type StringTable struct {
	ids       map[string]uint32 // folded token -> ID
	display   map[uint32]string
	refCounts map[uint32]int
	nextID    uint32
}

// NewStringTable creates a new string table
func NewStringTable() *StringTable {
	return &StringTable{
		ids:       make(map[string]uint32),
		display:   make(map[uint32]string),
		refCounts: make(map[uint32]int),
		nextID:    1, // start at 1, reserve 0 for no token
	}
}

// Intern adds a reference to a token and returns its ID.
func (st *StringTable) Intern(token string) uint32 {
	key := foldText(token)
	if id, exists := st.ids[key]; exists {
		st.refCounts[id]++
		return id
	}
	id := st.nextID
	st.nextID++
	st.ids[key] = id
	st.display[id] = token
	st.refCounts[id] = 1
	return id
}

// GetString retrieves a token by its ID
func (st *StringTable) GetString(id uint32) (string, bool) {
	s, exists := st.display[id]
	return s, exists
}

// Lookup returns the ID of a token if it is interned
func (st *StringTable) Lookup(token string) (uint32, bool) {
	id, exists := st.ids[foldText(token)]
	return id, exists
}

// RemoveReference decrements the reference count for a token ID. the token
// is dropped once unreferenced; returns true in that case.
func (st *StringTable) RemoveReference(id uint32) bool {
	s, exists := st.display[id]
	if !exists {
		return false
	}
	st.refCounts[id]--
	if st.refCounts[id] > 0 {
		return false
	}
	delete(st.ids, foldText(s))
	delete(st.display, id)
	delete(st.refCounts, id)
	return true
}

// GetReferenceCount returns the reference count for a token ID
func (st *StringTable) GetReferenceCount(id uint32) int {
	return st.refCounts[id]
}

// All returns the interned tokens sorted for display
func (st *StringTable) All() []string {
	result := make([]string, 0, len(st.display))
	for _, s := range st.display {
		result = append(result, s)
	}
	slices.Sort(result)
	return result
}

// Count returns the number of interned tokens
func (st *StringTable) Count() int {
	return len(st.ids)
}
