package repo

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
)

var (
	incidentsBucket = []byte("incidents")
	issuesBucket    = []byte("issues")
	auditBucket     = []byte("audit")
)

// BoltPersister stores state in a single bbolt file. Audit entries are keyed
// by their big-endian sequence so cursor order is commit order.
type BoltPersister struct {
	db *bolt.DB
}

// OpenBolt opens the bbolt file at path, creating buckets as needed.
func OpenBolt(path string) (*BoltPersister, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{incidentsBucket, issuesBucket, auditBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

// Commit writes every part of c in one bolt transaction.
func (p *BoltPersister) Commit(_ context.Context, c store.Commit) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if c.Incident != nil {
			if err := putJSON(tx.Bucket(incidentsBucket), []byte(c.Incident.ID), c.Incident); err != nil {
				return fmt.Errorf("put incident %s: %w", c.Incident.ID, err)
			}
		}
		if c.Issue != nil {
			if err := putJSON(tx.Bucket(issuesBucket), []byte(c.Issue.ID), c.Issue); err != nil {
				return fmt.Errorf("put issue %s: %w", c.Issue.ID, err)
			}
		}
		audit := tx.Bucket(auditBucket)
		for _, entry := range c.Audit {
			if err := putJSON(audit, sequenceKey(entry.Sequence), entry); err != nil {
				return fmt.Errorf("put audit entry %d: %w", entry.Sequence, err)
			}
		}
		return nil
	})
}

// Load reads the full state.
func (p *BoltPersister) Load(_ context.Context) (store.Snapshot, error) {
	var snap store.Snapshot
	err := p.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(incidentsBucket).ForEach(func(_, v []byte) error {
			var inc models.Incident
			if err := json.Unmarshal(v, &inc); err != nil {
				return err
			}
			snap.Incidents = append(snap.Incidents, &inc)
			return nil
		}); err != nil {
			return fmt.Errorf("load incidents: %w", err)
		}
		if err := tx.Bucket(issuesBucket).ForEach(func(_, v []byte) error {
			var issue models.Issue
			if err := json.Unmarshal(v, &issue); err != nil {
				return err
			}
			snap.Issues = append(snap.Issues, &issue)
			return nil
		}); err != nil {
			return fmt.Errorf("load issues: %w", err)
		}
		return tx.Bucket(auditBucket).ForEach(func(_, v []byte) error {
			var entry models.AuditLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			snap.Audit = append(snap.Audit, entry)
			return nil
		})
	})
	return snap, err
}

// QueryAudit scans the audit bucket in sequence order and returns the entries
// matching filter. A positive Limit keeps the most recent ones.
func (p *BoltPersister) QueryAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	out := make([]models.AuditLogEntry, 0)
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry models.AuditLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode audit entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if filter.Matches(entry) {
				out = append(out, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Close closes the bolt file.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func sequenceKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
