// Package blob selects the archive object store backend.
package blob

import (
	"applicatorsync/internal/infra/blob/core"
	"applicatorsync/internal/infra/blob/fs"
	"applicatorsync/internal/infra/blob/memory"
	"applicatorsync/internal/infra/blob/s3"
	"context"
	"fmt"
	"os"
)

// Open selects a core.Store implementation using environment variables.
//
//	APPLICATORSYNC_BLOB_DRIVER: fs|s3|memory (default fs)
//	APPLICATORSYNC_BLOB_FS_ROOT: directory root when driver=fs (default ./archive)
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (core.Store, error) {
	driver := os.Getenv("APPLICATORSYNC_BLOB_DRIVER")
	if driver == "" {
		driver = string(core.DriverFilesystem)
	}
	switch core.Driver(driver) {
	case core.DriverFilesystem:
		store, err := fs.New(os.Getenv("APPLICATORSYNC_BLOB_FS_ROOT"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case core.DriverS3:
		store, err := s3.OpenFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		return store, nil
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
