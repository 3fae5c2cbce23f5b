// Package domain contains entity without logic, just meta-data
package domain

import "strconv"

// UserID is the client-chosen identity of a participant. Clients pick
// it at startup; the relay only rejects ids that are already bound to
// a live session, it never allocates them.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Roster is the ordered set of currently joined user ids. Insertion
// order is preserved so every client sees the same "most recent last"
// listing; re-joining moves an id to the tail.
type Roster []UserID

// Contains reports whether id is present.
func (r Roster) Contains(id UserID) bool {
	for _, v := range r {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns the roster with id at the tail, moving it there if it
// was already present.
func (r Roster) Add(id UserID) Roster {
	return append(r.Remove(id), id)
}

// Remove returns the roster without id.
func (r Roster) Remove(id UserID) Roster {
	out := r[:0:0]
	for _, v := range r {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
