// Package shelf stores application records in an ordered key-value engine
// and keeps secondary indexes over them consistent.
//
// A Store is created once per record kind:
//
//	type Note struct {
//		ID   string   `json:"id"`
//		Tags []string `json:"tags"`
//	}
//
//	func (n *Note) PersistentKey() string { return n.ID }
//
//	notes, err := shelf.New[string, *Note](shelf.Config[*Note]{
//		Location: "sqlite:./data",
//		Indexes: map[string]shelf.IndexFunc[*Note]{
//			"tag": func(n *Note) any { return n.Tags },
//		},
//	})
//
// Every mutation runs under an exclusive file lock and commits the record
// together with its index entries in one engine batch, so processes sharing
// a location never observe a record without its index entries or the other
// way round.
package shelf
