package sqlite

import "github.com/felixgeelhaar/linkparty/internal/mirror"

// Ensure SQLite stores implement the mirror interfaces.
var (
	_ mirror.Cache        = (*MirrorStore)(nil)
	_ mirror.VersionStore = (*MirrorStore)(nil)
)
