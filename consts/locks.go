package consts

// MigrationAdvisoryLockID is the Postgres advisory lock held while schema
// migrations run, so a gateway and the admin tool never migrate at once.
const MigrationAdvisoryLockID = 51902317
