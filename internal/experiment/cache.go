package experiment

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	spooky "github.com/dgryski/go-spooky"
	"github.com/golang/snappy"
)

const testCachePrefix = "test-obs/"

// CacheConfig locates the held-out observation cache.
type CacheConfig struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// TestCache persists TestObservations across processes, keyed by
// TestCacheKey. Values are snappy-compressed JSON.
type TestCache struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func OpenTestCache(cfg CacheConfig) (*TestCache, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("test cache: dir is required unless in memory")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create test cache dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open test cache: %w", err)
	}
	return &TestCache{db: db}, nil
}

// TestCacheKey is a pure function of everything that determines the held-out
// observations.
func TestCacheKey(imagesURL, interpreter, classifier string, numTest, counterfactualsPerImage int) string {
	material := strings.Join([]string{
		imagesURL, interpreter, classifier,
		strconv.Itoa(numTest), strconv.Itoa(counterfactualsPerImage),
	}, "\x00")
	var h1, h2 uint64
	spooky.Hash128([]byte(material), &h1, &h2)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (56 - 8*i))
		buf[8+i] = byte(h2 >> (56 - 8*i))
	}
	return testCachePrefix + hex.EncodeToString(buf[:])
}

// Get returns the cached observations and whether they were present.
func (c *TestCache) Get(key string) (TestObservations, bool, error) {
	var obs TestObservations
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw, err := snappy.Decode(nil, val)
			if err != nil {
				return fmt.Errorf("decompress: %w", err)
			}
			return json.Unmarshal(raw, &obs)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return TestObservations{}, false, nil
	}
	if err != nil {
		return TestObservations{}, false, fmt.Errorf("test cache get %s: %w", key, err)
	}
	return obs, true, nil
}

func (c *TestCache) Put(key string, obs TestObservations) error {
	raw, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode test observations: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), snappy.Encode(nil, raw))
	})
	if err != nil {
		return fmt.Errorf("test cache put %s: %w", key, err)
	}
	return nil
}

func (c *TestCache) Close() error {
	return c.db.Close()
}
