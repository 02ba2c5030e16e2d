// Package docstore implements DocStore, the key/value document backend the
// engine's Session and Transaction Coordinator are built on.
package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/playerstore"
)

// CassandraConfig configures a connection to a Cassandra cluster holding
// this store's documents table.
type CassandraConfig struct {
	ClusterHosts      []string
	Keyspace          string
	Table             string
	Consistency       gocql.Consistency
	ConnectionTimeout time.Duration
	Authenticator     gocql.Authenticator
	ReplicationClause string
}

type cassandraStore struct {
	session *gocql.Session
	cfg     CassandraConfig
}

var cassandraMux sync.Mutex

// OpenCassandra opens (or reuses) a session against cfg's cluster, creates
// the keyspace/table if absent, and returns a DocStore backed by it.
func OpenCassandra(cfg CassandraConfig) (*cassandraStore, error) {
	if cfg.Keyspace == "" {
		cfg.Keyspace = "playerstore"
	}
	if cfg.Table == "" {
		cfg.Table = "documents"
	}
	if cfg.Consistency == gocql.Any {
		cfg.Consistency = gocql.LocalQuorum
	}
	if cfg.ReplicationClause == "" {
		cfg.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}

	cassandraMux.Lock()
	defer cassandraMux.Unlock()

	cluster := gocql.NewCluster(cfg.ClusterHosts...)
	cluster.Consistency = cfg.Consistency
	if cfg.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectionTimeout
	}
	if cfg.Authenticator != nil {
		cluster.Authenticator = cfg.Authenticator
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("docstore: cassandra: create session: %w", err)
	}
	if err := session.Query(fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", cfg.Keyspace, cfg.ReplicationClause,
	)).Exec(); err != nil {
		return nil, fmt.Errorf("docstore: cassandra: create keyspace: %w", err)
	}
	if err := session.Query(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (doc_key text PRIMARY KEY, body blob, ver bigint);",
		cfg.Keyspace, cfg.Table,
	)).Exec(); err != nil {
		return nil, fmt.Errorf("docstore: cassandra: create table: %w", err)
	}

	return &cassandraStore{session: session, cfg: cfg}, nil
}

// Close closes the underlying Cassandra session.
func (c *cassandraStore) Close() { c.session.Close() }

// Get implements playerstore.DocStore.
func (c *cassandraStore) Get(ctx context.Context, key string) (playerstore.Document, playerstore.DocMeta, bool, error) {
	var body []byte
	var ver int64
	err := c.session.Query(
		fmt.Sprintf("SELECT body, ver FROM %s.%s WHERE doc_key = ?;", c.cfg.Keyspace, c.cfg.Table), key,
	).WithContext(ctx).Scan(&body, &ver)
	if err == gocql.ErrNotFound {
		return playerstore.Document{}, playerstore.DocMeta{}, false, nil
	}
	if err != nil {
		return playerstore.Document{}, playerstore.DocMeta{}, false, fmt.Errorf("docstore: cassandra: get %q: %w", key, err)
	}
	doc, err := decodeDocument(body, ver)
	if err != nil {
		return playerstore.Document{}, playerstore.DocMeta{}, false, err
	}
	return doc, playerstore.DocMeta{Version: ver, Size: len(body)}, true, nil
}

// Put implements playerstore.DocStore using a Cassandra lightweight
// transaction (IF ver = ? / IF NOT EXISTS) for single-row atomic CAS. A
// Redis-assisted version check layered on top of a logged batch is only
// needed when a conditional update must span multiple partitions; every
// CAS this engine performs targets exactly one partition (one row per
// key), so a native Cassandra LWT is sufficient on its own.
func (c *cassandraStore) Put(ctx context.Context, key string, doc playerstore.Document, expectedVersion int64) (int64, bool, error) {
	newVersion := expectedVersion + 1
	metaBody, err := encodeMeta(doc, newVersion)
	if err != nil {
		return 0, false, err
	}

	var applied bool
	var q *gocql.Query
	if expectedVersion == 0 {
		q = c.session.Query(
			fmt.Sprintf("INSERT INTO %s.%s (doc_key, body, ver) VALUES (?, ?, ?) IF NOT EXISTS;", c.cfg.Keyspace, c.cfg.Table),
			key, metaBody, newVersion,
		)
	} else {
		q = c.session.Query(
			fmt.Sprintf("UPDATE %s.%s SET body = ?, ver = ? WHERE doc_key = ? IF ver = ?;", c.cfg.Keyspace, c.cfg.Table),
			metaBody, newVersion, key, expectedVersion,
		)
	}
	applied, err = q.WithContext(ctx).ScanCAS(new([]byte), new(int64))
	if err != nil {
		return 0, false, fmt.Errorf("docstore: cassandra: put %q: %w", key, err)
	}
	if !applied {
		return 0, false, nil
	}
	return newVersion, true, nil
}

// Delete implements playerstore.DocStore.
func (c *cassandraStore) Delete(ctx context.Context, key string) error {
	err := c.session.Query(
		fmt.Sprintf("DELETE FROM %s.%s WHERE doc_key = ?;", c.cfg.Keyspace, c.cfg.Table), key,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("docstore: cassandra: delete %q: %w", key, err)
	}
	return nil
}

var _ playerstore.DocStore = (*cassandraStore)(nil)
