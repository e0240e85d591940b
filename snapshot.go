package spannix

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spannix/spannix/blobstore"
	"github.com/spannix/spannix/persistence"
)

// ErrNoBlobStore is returned by snapshot operations when no blob store was
// configured.
var ErrNoBlobStore = errors.New("no blob store configured")

// ErrSnapshotNotFound is returned by LoadSnapshot when the snapshot blob
// does not exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SaveSnapshot serializes the database into the configured blob store under
// the configured snapshot name. The snapshot is built in memory and
// published in a single Put, so a failed save never replaces a good
// snapshot with a partial one.
func (db *DB) SaveSnapshot(ctx context.Context) error {
	db.syncMu.Lock()
	defer db.syncMu.Unlock()

	start := time.Now()
	err := db.saveSnapshot(ctx)

	db.opts.logger.LogSnapshot(ctx, db.opts.snapshotName, err)
	db.opts.metricsCollector.RecordSnapshot(time.Since(start), err)

	return err
}

func (db *DB) saveSnapshot(ctx context.Context) error {
	if db.opts.blobs == nil {
		return ErrNoBlobStore
	}

	var buf bytes.Buffer
	if err := db.writeSnapshot(ctx, &buf); err != nil {
		return err
	}

	return db.opts.blobs.Put(ctx, db.opts.snapshotName, buf.Bytes())
}

// SaveSnapshotFile serializes the database atomically to a local file,
// bypassing the blob store.
func (db *DB) SaveSnapshotFile(ctx context.Context, filename string) error {
	db.syncMu.Lock()
	defer db.syncMu.Unlock()

	start := time.Now()
	err := persistence.SaveToFile(filename, func(w io.Writer) error {
		return db.writeSnapshot(ctx, w)
	})

	db.opts.logger.LogSnapshot(ctx, filename, err)
	db.opts.metricsCollector.RecordSnapshot(time.Since(start), err)

	return err
}

func (db *DB) writeSnapshot(ctx context.Context, w io.Writer) error {
	if c := db.opts.controller; c != nil {
		w = c.LimitWriter(ctx, w)
	}

	sw, err := persistence.NewSnapshotWriter(w, db.opts.codec)
	if err != nil {
		return err
	}

	manifest, err := db.manifestBytes()
	if err != nil {
		return err
	}
	if err := sw.WriteSectionBytes(persistence.SectionManifest, manifest); err != nil {
		return err
	}

	if err := sw.WriteSection(persistence.SectionVectorStore, db.store); err != nil {
		return err
	}
	if err := sw.WriteSection(persistence.SectionIndex, db.idx); err != nil {
		return err
	}
	return sw.WriteSection(persistence.SectionIDMap, idMapSection{db: db})
}

// LoadSnapshot replaces the database contents with the snapshot stored in
// the blob store. The snapshot must have been written by a database of the
// same index kind; its configuration is adopted wholesale.
func (db *DB) LoadSnapshot(ctx context.Context) error {
	start := time.Now()
	err := db.loadSnapshot(ctx)

	db.opts.logger.LogSnapshot(ctx, db.opts.snapshotName, err)
	db.opts.metricsCollector.RecordSnapshot(time.Since(start), err)

	return err
}

func (db *DB) loadSnapshot(ctx context.Context) error {
	if db.opts.blobs == nil {
		return ErrNoBlobStore
	}

	blob, err := db.opts.blobs.Open(ctx, db.opts.snapshotName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, db.opts.snapshotName)
		}
		return err
	}
	defer func() { _ = blob.Close() }()

	rc, err := blob.ReadRange(ctx, 0, blob.Size())
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	return db.readSnapshot(rc)
}

// LoadSnapshotFile replaces the database contents with a snapshot written by
// SaveSnapshotFile.
func (db *DB) LoadSnapshotFile(ctx context.Context, filename string) error {
	start := time.Now()
	err := persistence.LoadFromFile(filename, db.readSnapshot)

	db.opts.logger.LogSnapshot(ctx, filename, err)
	db.opts.metricsCollector.RecordSnapshot(time.Since(start), err)

	return err
}

func (db *DB) readSnapshot(r io.Reader) error {
	db.syncMu.Lock()
	defer db.syncMu.Unlock()

	// Section order is fixed at write time: the manifest validates first,
	// the vector store loads before the index that references it.
	return persistence.ReadSections(r, map[uint8]func(io.Reader) error{
		persistence.SectionManifest: db.readManifest,
		persistence.SectionVectorStore: func(r io.Reader) error {
			_, err := db.store.ReadFrom(r)
			return err
		},
		persistence.SectionIndex: func(r io.Reader) error {
			_, err := db.idx.ReadFrom(r)
			return err
		},
		persistence.SectionIDMap: db.readIDMap,
	})
}

func (db *DB) manifestBytes() ([]byte, error) {
	db.cfgMu.RLock()
	cfg := db.cfg
	db.cfgMu.RUnlock()

	return json.Marshal(cfg)
}

func (db *DB) readManifest(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("spannix: decode snapshot manifest: %w", err)
	}

	db.cfgMu.Lock()
	cur := db.cfg
	db.cfgMu.Unlock()

	if loaded.Kind != cur.Kind {
		return fmt.Errorf("spannix: snapshot index kind %q does not match %q", loaded.Kind, cur.Kind)
	}

	loaded = loaded.withDefaults()

	db.cfgMu.Lock()
	db.cfg = loaded
	db.cfgMu.Unlock()

	if loaded.ResizeFactor != cur.ResizeFactor {
		db.store.SetResizeFactor(loaded.ResizeFactor)
	}
	if loaded.NumThreads != cur.NumThreads {
		db.resizePool(loaded.NumThreads)
	}

	return nil
}

// idMapSection serializes the external ID mapping as a snapshot section.
type idMapSection struct {
	db *DB
}

func (s idMapSection) WriteTo(w io.Writer) (int64, error) {
	db := s.db

	db.idMu.RLock()
	defer db.idMu.RUnlock()

	var written int64
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(len(db.handles)))
	n, err := w.Write(buf[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	binary.LittleEndian.PutUint64(buf[:], db.next)
	n, err = w.Write(buf[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	for id, handle := range db.handles {
		binary.LittleEndian.PutUint64(buf[:], handle)
		n, err := w.Write(buf[:])
		written += int64(n)
		if err != nil {
			return written, err
		}

		binary.LittleEndian.PutUint32(buf[:4], uint32(len(id)))
		n, err = w.Write(buf[:4])
		written += int64(n)
		if err != nil {
			return written, err
		}

		n, err = io.WriteString(w, id)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (db *DB) readIDMap(r io.Reader) error {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	count := binary.LittleEndian.Uint64(buf[:])

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	next := binary.LittleEndian.Uint64(buf[:])

	handles := make(map[string]uint64, count)
	ids := make(map[uint64]string, count)

	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return err
		}
		handle := binary.LittleEndian.Uint64(buf[:])

		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return err
		}
		idBytes := make([]byte, binary.LittleEndian.Uint32(buf[:4]))
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return err
		}

		id := string(idBytes)
		handles[id] = handle
		ids[handle] = id
	}

	db.idMu.Lock()
	db.handles = handles
	db.ids = ids
	db.next = next
	db.idMu.Unlock()

	return nil
}
