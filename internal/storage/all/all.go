// Package all links every storage backend into the binary. Import it for
// side effects from main packages:
//
//	import _ "datapreview/internal/storage/all"
package all

import (
	_ "datapreview/internal/storage/postgres"
	_ "datapreview/internal/storage/sqlite"
)
