package model

// Folder describes a mailbox folder on the server. It plays the role of a
// node in the folder tree and carries the counters the sync engine updates
// after each successful refresh.
type Folder struct {
	// Path is the full server-side mailbox name, e.g. "INBOX/Lists".
	Path string `json:"path"`

	// Name is the last path component.
	Name string `json:"name"`

	// Delimiter separates path components; empty for flat stores.
	Delimiter string `json:"delimiter,omitempty"`

	// Selectable is false for \Noselect container folders.
	Selectable bool `json:"selectable"`

	MessageCount int `json:"message_count"`
	UnseenCount  int `json:"unseen_count"`

	Children []*Folder `json:"children,omitempty"`
}

// FolderStatus is the counter snapshot reported when a folder's status
// changes. Missing is set when the folder no longer exists on the server.
type FolderStatus struct {
	MessageCount int
	UnseenCount  int
	Missing      bool
}

// Walk calls fn for f and each of its descendants, depth first.
func (f *Folder) Walk(fn func(*Folder)) {
	if f == nil {
		return
	}
	fn(f)
	for _, c := range f.Children {
		c.Walk(fn)
	}
}

// Find returns the descendant (or f itself) with the given path.
func (f *Folder) Find(path string) *Folder {
	var found *Folder
	f.Walk(func(c *Folder) {
		if found == nil && c.Path == path {
			found = c
		}
	})
	return found
}
