package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/crytic/keel/artifacts"
	"go.etcd.io/bbolt"
)

// artifactsBucket is the bbolt bucket holding one artifact per future id.
var artifactsBucket = []byte("artifacts")

// ArtifactCache persists the artifact each contract future was deployed or bound with, keyed by future id, so that a
// deployment can be inspected and resumed without the original artifacts directory.
type ArtifactCache struct {
	db *bbolt.DB
}

// openArtifactCache opens the bbolt database at path, creating it and its bucket if needed. The database is locked
// for the lifetime of the cache, so a second process opening the same deployment fails after a short timeout.
func openArtifactCache(path string) (*ArtifactCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%s is in use by another process", path)
		}
		return nil, fmt.Errorf("could not open db: %v", err)
	}

	// create default bucket if it doesn't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ArtifactCache{db: db}, nil
}

// SaveArtifact stores the artifact of a future, replacing any previous one.
func (c *ArtifactCache) SaveArtifact(futureID string, artifact *artifacts.Artifact) error {
	serialized, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put([]byte(futureID), serialized)
	})
}

// LoadArtifact returns the artifact stored for a future, or nil if there is none.
func (c *ArtifactCache) LoadArtifact(futureID string) (*artifacts.Artifact, error) {
	var data []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		// Values are only valid during the transaction
		if stored := tx.Bucket(artifactsBucket).Get([]byte(futureID)); stored != nil {
			data = append([]byte(nil), stored...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	artifact, err := artifacts.ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("could not get artifact of %s: %w", futureID, err)
	}
	return artifact, nil
}

// DeleteArtifact removes the artifact of a future, if any.
func (c *ArtifactCache) DeleteArtifact(futureID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(artifactsBucket).Delete([]byte(futureID))
	})
}

// FutureIDs returns the ids of the futures with a stored artifact, sorted.
func (c *ArtifactCache) FutureIDs() ([]string, error) {
	ids := make([]string, 0)
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(artifactsBucket).ForEach(func(key, _ []byte) error {
			ids = append(ids, string(key))
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

// Close releases the database and its lock.
func (c *ArtifactCache) Close() error {
	return c.db.Close()
}
