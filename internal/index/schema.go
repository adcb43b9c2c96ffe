// Package index implements the transactional resource index on an embedded
// SQLite database: the four-level hierarchy, its tag indices, metadata,
// attachment records, the append-only change log, and the protection flag.
package index

// schemaVersion is bumped whenever the DDL below changes shape. Databases
// created by older binaries are migrated forward on Open.
const schemaVersion = 1

// schemaVersionKey is the global property holding the stored version.
const schemaVersionKey = "schema-version"

// schemaSQL creates every table and index. All statements are idempotent
// so Open can run them on both fresh and existing databases.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS global_properties (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resources (
    internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
    public_id TEXT NOT NULL,
    level TEXT NOT NULL,
    parent_id INTEGER REFERENCES resources(internal_id),
    created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS resources_public ON resources(level, public_id);
CREATE INDEX IF NOT EXISTS resources_parent ON resources(parent_id);

CREATE TABLE IF NOT EXISTS main_dicom_tags (
    internal_id INTEGER NOT NULL REFERENCES resources(internal_id),
    tag_group INTEGER NOT NULL,
    tag_element INTEGER NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (internal_id, tag_group, tag_element)
);
CREATE INDEX IF NOT EXISTS main_tags_lookup ON main_dicom_tags(tag_group, tag_element, value);

CREATE TABLE IF NOT EXISTS identifier_tags (
    internal_id INTEGER NOT NULL REFERENCES resources(internal_id),
    level TEXT NOT NULL,
    tag_group INTEGER NOT NULL,
    tag_element INTEGER NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (internal_id, tag_group, tag_element)
);
CREATE INDEX IF NOT EXISTS identifier_tags_lookup
    ON identifier_tags(level, tag_group, tag_element, value);

CREATE TABLE IF NOT EXISTS metadata (
    internal_id INTEGER NOT NULL REFERENCES resources(internal_id),
    kind TEXT NOT NULL,
    value TEXT NOT NULL,
    revision INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (internal_id, kind)
);

CREATE TABLE IF NOT EXISTS attachments (
    internal_id INTEGER NOT NULL REFERENCES resources(internal_id),
    content_type TEXT NOT NULL,
    uuid TEXT NOT NULL,
    compressed_size INTEGER NOT NULL,
    uncompressed_size INTEGER NOT NULL,
    compression TEXT NOT NULL,
    md5 TEXT,
    revision INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (internal_id, content_type)
);

CREATE TABLE IF NOT EXISTS changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    level TEXT NOT NULL,
    public_id TEXT NOT NULL,
    date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exported_resources (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    level TEXT NOT NULL,
    public_id TEXT NOT NULL,
    remote_modality TEXT NOT NULL,
    patient_id TEXT NOT NULL DEFAULT '',
    study_uid TEXT NOT NULL DEFAULT '',
    series_uid TEXT NOT NULL DEFAULT '',
    sop_uid TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS protected_patients (
    internal_id INTEGER PRIMARY KEY REFERENCES resources(internal_id)
);
`
