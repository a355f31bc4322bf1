package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Buckets holding the standard database distribution per provider.
const (
	dbBucketAWS = "s3://ncbi-blast-databases"
	dbBucketGCP = "gs://blast-db"
)

type dbMetadata struct {
	DBType          string `json:"dbtype"`
	NumberOfLetters int64  `json:"number-of-letters"`
	NumberOfSeqs    int64  `json:"number-of-sequences"`
	BytesToCache    int64  `json:"bytes-to-cache"`
}

// LoadDatabaseStats reads the metadata object describing db. A db given as
// a storage URI is a user database with metadata next to it; a bare name
// resolves inside the provider's standard distribution bucket via its
// latest-dir pointer.
func LoadDatabaseStats(ctx context.Context, store cloudstorage.Client, db string, dbtype MoleculeType, provider config.Provider) (*DatabaseStats, error) {
	metadataURI := fmt.Sprintf("%s-%s-metadata.json", db, dbtype)
	if !strings.Contains(db, "://") {
		bucket := dbBucketAWS
		if provider == config.ProviderGCP {
			bucket = dbBucketGCP
		}
		latest, err := store.Get(ctx, bucket+"/latest-dir")
		if err != nil {
			return nil, usererr.Wrap(usererr.Database, err,
				"cannot resolve the latest distribution of database %q", db)
		}
		metadataURI = fmt.Sprintf("%s/%s/%s-%s-metadata.json",
			bucket, strings.TrimSpace(string(latest)), db, dbtype)
	}

	data, err := store.Get(ctx, metadataURI)
	if err != nil {
		return nil, usererr.Wrap(usererr.Database, err,
			"metadata file for database %q does not exist or you lack credentials to access it", db)
	}
	var meta dbMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, usererr.Wrap(usererr.Database, err,
			"metadata file for database %q is not parseable", db)
	}

	molType := Protein
	if strings.EqualFold(meta.DBType, "nucleotide") || strings.EqualFold(meta.DBType, "nucl") {
		molType = Nucleotide
	}
	return &DatabaseStats{
		Letters:        meta.NumberOfLetters,
		Sequences:      meta.NumberOfSeqs,
		BytesToCacheGB: float64(meta.BytesToCache) / (1 << 30),
		MolType:        molType,
	}, nil
}
