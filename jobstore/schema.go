package jobstore

// SchemaVersion is the schema version this binary was built against. Every
// connection opened by Open verifies the versions table matches, per
// spec.md §3/§6.
const SchemaVersion = 1

// jobColumns is the full, ordered column list shared by the live jobs table
// and the jobshist archive table (spec.md §6: "structurally identical except
// the archive drops the uniqueness constraint"). ArchiveJob uses this same
// list on both sides of its INSERT ... SELECT, per the decision recorded in
// SPEC_FULL.md §13(c), rather than a bare SELECT *.
var jobColumns = []string{
	"id", "src_cell", "dst_cell", "volname", "qname",
	"state", "last_good_state", "dv", "errors", "errorlimit_mtime",
	"dump_fqdn", "dump_method", "dump_port", "dump_filename", "dump_checksum",
	"dump_filesize", "vol_lastupdate", "restore_filename",
	"ctime", "mtime", "timeout", "status_fqdn", "description",
}

// DDL holds the CREATE TABLE statements for a fresh CellCC database. These
// are not executed by this package — schema provisioning is an operator
// concern — but are kept here so `config --check`-style tooling and tests
// have one authoritative source of truth for column shape.
const DDL = `
CREATE TABLE jobs (
  id INT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  src_cell VARCHAR(255) NOT NULL,
  dst_cell VARCHAR(255) NOT NULL,
  volname VARCHAR(255) NOT NULL,
  qname VARCHAR(255) NOT NULL DEFAULT 'default',
  state VARCHAR(32) NOT NULL,
  last_good_state VARCHAR(32) NULL,
  dv INT UNSIGNED NOT NULL DEFAULT 0,
  errors INT UNSIGNED NOT NULL DEFAULT 0,
  errorlimit_mtime DATETIME NULL,
  dump_fqdn VARCHAR(255) NULL,
  dump_method VARCHAR(64) NULL,
  dump_port INT NULL,
  dump_filename VARCHAR(255) NULL,
  dump_checksum VARCHAR(255) NULL,
  dump_filesize BIGINT NULL,
  vol_lastupdate BIGINT NOT NULL DEFAULT 0,
  restore_filename VARCHAR(255) NULL,
  ctime DATETIME NOT NULL,
  mtime DATETIME NOT NULL,
  timeout INT UNSIGNED NULL,
  status_fqdn VARCHAR(255) NULL,
  description TEXT NOT NULL,
  UNIQUE KEY uniq_dst_vol (dst_cell, volname),
  KEY idx_src_cell (src_cell),
  KEY idx_dst_cell (dst_cell),
  KEY idx_state (state)
);

CREATE TABLE jobshist (
  id INT UNSIGNED NOT NULL PRIMARY KEY,
  src_cell VARCHAR(255) NOT NULL,
  dst_cell VARCHAR(255) NOT NULL,
  volname VARCHAR(255) NOT NULL,
  qname VARCHAR(255) NOT NULL DEFAULT 'default',
  state VARCHAR(32) NOT NULL,
  last_good_state VARCHAR(32) NULL,
  dv INT UNSIGNED NOT NULL DEFAULT 0,
  errors INT UNSIGNED NOT NULL DEFAULT 0,
  errorlimit_mtime DATETIME NULL,
  dump_fqdn VARCHAR(255) NULL,
  dump_method VARCHAR(64) NULL,
  dump_port INT NULL,
  dump_filename VARCHAR(255) NULL,
  dump_checksum VARCHAR(255) NULL,
  dump_filesize BIGINT NULL,
  vol_lastupdate BIGINT NOT NULL DEFAULT 0,
  restore_filename VARCHAR(255) NULL,
  ctime DATETIME NOT NULL,
  mtime DATETIME NOT NULL,
  timeout INT UNSIGNED NULL,
  status_fqdn VARCHAR(255) NULL,
  description TEXT NOT NULL,
  KEY idx_src_cell (src_cell),
  KEY idx_dst_cell (dst_cell),
  KEY idx_state (state)
);

CREATE TABLE versions (
  version INT UNSIGNED NOT NULL
);
`
