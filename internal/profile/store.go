package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

const snapshotPrefix = "snap/"

// ErrNotFound is returned for an unknown snapshot id.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot describes one stored profile.
type Snapshot struct {
	ID     string    `json:"id"`
	Device string    `json:"device"`
	Time   time.Time `json:"time"`
	Label  string    `json:"label,omitempty"`
}

type snapshotRecord struct {
	Snapshot
	Profile *bafang.Profile `json:"profile"`
}

// Store keeps timestamped profile snapshots in leveldb, keyed per device.
type Store struct {
	db  *leveldb.DB
	log *slog.Logger
}

// OpenStore opens or creates the database at path.
func OpenStore(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &Store{db: db, log: log.With("component", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceKey derives the store key for a controller from its identification.
// Profiles without Info are filed under "unknown".
func DeviceKey(info *bafang.Info) string {
	if info == nil {
		return "unknown"
	}
	key := sanitizeString(strings.TrimSpace(info.Manufacturer) + "_" + strings.TrimSpace(info.Model))
	key = strings.Trim(strings.ReplaceAll(key, "/", "_"), "_")
	if key == "" {
		return "unknown"
	}
	return key
}

func sanitizeString(s string) string {
	// Remove diacritics.
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.Predicate(func(r rune) bool {
			return unicode.Is(unicode.Mn, r) || r > unicode.MaxASCII || unicode.IsControl(r)
		})))
	res, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return strings.ReplaceAll(strings.ToLower(res), " ", "_")
}

// Put stores p under its device key and returns the snapshot metadata.
func (s *Store) Put(p *bafang.Profile, label string, at time.Time) (Snapshot, error) {
	device := DeviceKey(p.Info)
	snap := Snapshot{
		ID:     fmt.Sprintf("%s/%020d", device, at.UnixNano()),
		Device: device,
		Time:   at.UTC(),
		Label:  label,
	}
	data, err := json.Marshal(snapshotRecord{Snapshot: snap, Profile: p})
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.db.Put([]byte(snapshotPrefix+snap.ID), data, nil); err != nil {
		return Snapshot{}, fmt.Errorf("store snapshot: %w", err)
	}
	s.log.Info("stored snapshot", "id", snap.ID, "label", label)
	return snap, nil
}

// Get returns the profile stored under id.
func (s *Store) Get(id string) (*bafang.Profile, Snapshot, error) {
	data, err := s.db.Get([]byte(snapshotPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, Snapshot{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if rec.Profile == nil {
		rec.Profile = &bafang.Profile{}
	}
	return rec.Profile, rec.Snapshot, nil
}

// List returns the snapshots of device, newest first. An empty device lists
// every snapshot.
func (s *Store) List(device string) ([]Snapshot, error) {
	prefix := snapshotPrefix
	if device != "" {
		prefix += device + "/"
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var out []Snapshot
	for it.Next() {
		var rec snapshotRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			s.log.Warn("skipping unreadable snapshot", "key", string(it.Key()), "err", err)
			continue
		}
		out = append(out, rec.Snapshot)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

// Latest returns the newest snapshot of device.
func (s *Store) Latest(device string) (*bafang.Profile, Snapshot, error) {
	snaps, err := s.List(device)
	if err != nil {
		return nil, Snapshot{}, err
	}
	if len(snaps) == 0 {
		return nil, Snapshot{}, fmt.Errorf("%s: %w", device, ErrNotFound)
	}
	return s.Get(snaps[0].ID)
}

// Delete removes a snapshot.
func (s *Store) Delete(id string) error {
	key := []byte(snapshotPrefix + id)
	if ok, err := s.db.Has(key, nil); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.db.Delete(key, nil)
}
