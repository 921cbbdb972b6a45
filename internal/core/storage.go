package core

import (
	"context"
	"fmt"
	"os"

	"erpcore/internal/blob"
	blobs3 "erpcore/internal/infra/blob/s3"
	"erpcore/internal/infra/persistence/memory"
	"erpcore/internal/infra/persistence/postgres"
	"erpcore/internal/infra/persistence/sqlite"
	"erpcore/pkg/storage"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenStore selects a backend using environment variables. Defaults to
// sqlite when unset.
//
//	ERPCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	ERPCORE_SQLITE_PATH: path to sqlite file (default ./erpcore.db)
//	ERPCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenStore() (storage.Store, error) {
	driver := os.Getenv("ERPCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		path := os.Getenv("ERPCORE_SQLITE_PATH")
		return sqlite.NewStore(path)
	case StoragePostgres:
		dsn := os.Getenv("ERPCORE_POSTGRES_DSN")
		return postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// OpenBlobStore selects a blob backend using environment variables. Defaults
// to the local filesystem when unset.
//
//	ERPCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	ERPCORE_BLOB_FS_ROOT: payload directory for the fs driver (default ./blobs)
//	ERPCORE_BLOB_S3_*: bucket, region, endpoint for the s3 driver
func OpenBlobStore(ctx context.Context) (blob.Store, error) {
	driver := os.Getenv("ERPCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(blob.DriverFilesystem)
	}
	switch blob.Driver(driver) {
	case blob.DriverMemory:
		return blob.NewMemoryStore(), nil
	case blob.DriverFilesystem:
		root := os.Getenv("ERPCORE_BLOB_FS_ROOT")
		if root == "" {
			root = "blobs"
		}
		return blob.NewFilesystem(root)
	case blob.DriverS3:
		return blobs3.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
