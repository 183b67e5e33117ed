package catalog

// Catalog DDL.
const (
	createMetadata = `CREATE TABLE IF NOT EXISTS metadata (
    uri TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    config TEXT NOT NULL,
    created_at TEXT NOT NULL
);`

	createFiles = `CREATE TABLE IF NOT EXISTS files (
    uri TEXT PRIMARY KEY,
    file_id TEXT NOT NULL UNIQUE,
    FOREIGN KEY (uri) REFERENCES metadata(uri) ON DELETE CASCADE
);`

	createCheckpoints = `CREATE TABLE IF NOT EXISTS checkpoints (
    uri TEXT PRIMARY KEY,
    root_offset INTEGER NOT NULL,
    root_size INTEGER NOT NULL,
    root_checksum INTEGER NOT NULL,
    generation INTEGER NOT NULL,
    written_at TEXT NOT NULL,
    FOREIGN KEY (uri) REFERENCES metadata(uri) ON DELETE CASCADE
);`

	idxMetadataKind = `CREATE INDEX IF NOT EXISTS idx_metadata_kind ON metadata(kind);`
)

// schemaDDL lists the statements run when the catalog is opened, in
// dependency order.
var schemaDDL = []string{
	createMetadata,
	createFiles,
	createCheckpoints,
	idxMetadataKind,
}
