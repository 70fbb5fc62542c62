/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-prevalence/prevalence/codec"
	"github.com/go-prevalence/prevalence/journal"
	"github.com/go-prevalence/prevalence/replication"
	"github.com/go-prevalence/prevalence/snapshot"
	"github.com/go-prevalence/prevalence/storage"
)

// DefaultDirectory is the prevalence base used when none is configured.
const DefaultDirectory = "PrevalenceBase"

// Factory assembles a running Engine from the recognized configuration
// options.  The zero configuration journals to DefaultDirectory with gob
// serialization, strict transaction filtering and the machine clock.
// Configuration mistakes are reported eagerly, either by the Configure
// call itself or by Create, never deferred to first use.
type Factory struct {
	system    interface{}
	clock     Clock
	logger    Logger
	monitor   Monitor
	directory string

	filtering     bool
	transientMode bool

	journalSizeThreshold int64
	journalAgeThreshold  time.Duration
	journalSerializer    codec.Serializer
	journalSuffix        string

	snapshotSuffixes    []string
	snapshotSerializers map[string]codec.Serializer

	serverAddr string
	remoteAddr string
}

func NewFactory() *Factory {
	return &Factory{
		filtering:           true,
		snapshotSerializers: map[string]codec.Serializer{},
	}
}

// New creates an engine that reads and writes its journal and snapshot
// files under dir.  system is the newly started, empty prevalent system
// used as the starting point until the first snapshot is taken.
func New(system interface{}, dir string) (Engine, error) {
	f := NewFactory()
	f.ConfigurePrevalentSystem(system)
	f.ConfigurePrevalenceDirectory(dir)
	return f.Create()
}

// NewTransient creates an engine that executes transactions without
// writing them to disk.  Useful for automated tests and demos; attempts to
// take snapshots fail.
func NewTransient(system interface{}) (Engine, error) {
	f := NewFactory()
	f.ConfigurePrevalentSystem(system)
	f.ConfigureTransientMode(true)
	return f.Create()
}

// NewCheckpoint creates an engine whose journal is transient but whose
// snapshots persist under dir.  Snapshots work as save-points: recovery
// loads the latest snapshot and the journal contributes nothing.
func NewCheckpoint(system interface{}, dir string) (Engine, error) {
	f := NewFactory()
	f.ConfigurePrevalentSystem(system)
	f.ConfigurePrevalenceDirectory(dir)
	f.ConfigureTransientMode(true)
	return f.Create()
}

// ConfigurePrevalentSystem sets the newly started, empty prevalent system.
// Required.
func (f *Factory) ConfigurePrevalentSystem(system interface{}) {
	f.system = system
}

// ConfigurePrevalenceDirectory sets where journal and snapshot files are
// read and written.
func (f *Factory) ConfigurePrevalenceDirectory(dir string) {
	f.directory = dir
}

// ConfigureClock substitutes the time source consulted at publish time.
func (f *Factory) ConfigureClock(clock Clock) {
	f.clock = clock
}

func (f *Factory) ConfigureLogger(logger Logger) {
	f.logger = logger
}

// ConfigureMonitor assigns the sink for engine notifications.  The default
// reports them to the logger.
func (f *Factory) ConfigureMonitor(monitor Monitor) {
	f.monitor = monitor
}

// ConfigureTransactionFiltering selects between strict censorship (true,
// the default: transactions that would fail are dry-run against a deep
// copy and never journaled) and liberal censorship (false: everything is
// journaled, failures included).  Strict filtering needs enough memory for
// a second copy of the prevalent system.
func (f *Factory) ConfigureTransactionFiltering(filtering bool) {
	f.filtering = filtering
}

// ConfigureTransientMode disables durable journaling.  Combined with a
// prevalence directory it yields a checkpoint-only engine whose snapshots
// still persist.
func (f *Factory) ConfigureTransientMode(transient bool) {
	f.transientMode = transient
}

// ConfigureJournalFileSizeThreshold rotates the journal segment once it
// exceeds the given size in bytes.
func (f *Factory) ConfigureJournalFileSizeThreshold(bytes int64) {
	f.journalSizeThreshold = bytes
}

// ConfigureJournalFileAgeThreshold rotates the journal segment once it has
// been open for the given duration.
func (f *Factory) ConfigureJournalFileAgeThreshold(age time.Duration) {
	f.journalAgeThreshold = age
}

// ConfigureJournalSerializer sets the codec for journal entries.  Only one
// is supported at a time: segments written by a previously configured
// serializer under a different suffix will not be read, so take a snapshot
// before changing it on a system in production.
func (f *Factory) ConfigureJournalSerializer(suffix string, ser codec.Serializer) error {
	if err := storage.CheckValidJournalSuffix(suffix); err != nil {
		return err
	}
	if f.journalSerializer != nil {
		return errors.New("already configured a journal serializer")
	}

	f.journalSerializer = ser
	f.journalSuffix = suffix
	return nil
}

// ConfigureSnapshotSerializer registers a snapshot serialization format.
// May be called any number of times with different suffixes; the first
// call establishes the primary format, used for writing snapshots and for
// the strict censor's deep copies.  Later calls add read-compatibility
// formats for snapshots written by prior configurations.
func (f *Factory) ConfigureSnapshotSerializer(suffix string, ser codec.Serializer) error {
	if err := storage.CheckValidSnapshotSuffix(suffix); err != nil {
		return err
	}
	if _, ok := f.snapshotSerializers[suffix]; ok {
		return errors.Errorf("snapshot serializer for suffix %q already registered", suffix)
	}

	f.snapshotSerializers[suffix] = ser
	f.snapshotSuffixes = append(f.snapshotSuffixes, suffix)
	return nil
}

// ConfigureReplicationServer makes the engine stream its committed entries
// to standby instances connecting on addr.
func (f *Factory) ConfigureReplicationServer(addr string) {
	f.serverAddr = addr
}

// ConfigureReplicationClient makes Create return a standby engine that
// forwards every publish to the primary at addr instead of journaling
// locally.
func (f *Factory) ConfigureReplicationClient(addr string) {
	f.remoteAddr = addr
}

// Create assembles and starts the engine: it loads the latest snapshot,
// replays the journal tail and, when configured, starts the replication
// listener or connects to the primary.
func (f *Factory) Create() (Engine, error) {
	if f.system == nil {
		return nil, errors.New("the prevalent system must be configured")
	}

	logger := f.logger
	if logger == nil {
		logger = newDefaultLogger()
	}
	monitor := f.monitor
	if monitor == nil {
		monitor = NewLoggingMonitor(logger)
	}

	journalSerializer := f.journalSerializer
	journalSuffix := f.journalSuffix
	if journalSerializer == nil {
		journalSerializer = codec.NewGob()
		journalSuffix = journal.DefaultSuffix
	}

	if f.remoteAddr != "" {
		snapshots, err := f.standbySnapshotStore()
		if err != nil {
			return nil, err
		}
		return newReplica(f.remoteAddr, f.system, snapshots, journalSerializer, logger, monitor)
	}

	snapshots, err := f.snapshotStore()
	if err != nil {
		return nil, err
	}

	system, mark, err := snapshots.LoadLatest()
	if err != nil {
		return nil, errors.WithMessage(err, "could not load latest snapshot")
	}

	clock := f.clock
	if clock == nil {
		clock = MachineClock{}
	}

	jnl, err := f.journal(journalSuffix, mark, monitor)
	if err != nil {
		return nil, err
	}

	e := &engine{
		state:             engineStarting,
		system:            system,
		clock:             clock,
		censor:            f.censor(),
		journal:           jnl,
		snapshots:         snapshots,
		journalSerializer: journalSerializer,
		logger:            logger,
		monitor:           monitor,
		subscribers:       map[uint64]func(pos uint64, at time.Time, data []byte) error{},
	}

	if err := e.start(mark); err != nil {
		jnl.Close()
		return nil, err
	}

	if f.serverAddr != "" {
		server, err := replication.NewServer(f.serverAddr, e)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.mu.Lock()
		e.server = server
		e.mu.Unlock()
		logger.Info("replication server listening", zap.String("addr", server.Addr().String()))
	}

	return e, nil
}

func (f *Factory) censor() transactionCensor {
	if !f.filtering {
		return liberalCensor{}
	}
	return &strictCensor{copier: f.primarySnapshotSerializer()}
}

// journal opens the configured journal variant.  mark seeds the transient
// journal's position sequence, so that snapshot marks taken by a
// checkpoint-only engine keep growing across restarts.
func (f *Factory) journal(suffix string, mark uint64, monitor Monitor) (Journal, error) {
	if f.transientMode {
		return journal.OpenTransient(mark)
	}

	dir, err := storage.Open(f.prevalenceDirectory())
	if err != nil {
		return nil, err
	}

	return journal.OpenPersistent(dir, journal.Options{
		SizeThreshold: f.journalSizeThreshold,
		AgeThreshold:  f.journalAgeThreshold,
		Suffix:        suffix,
		OnRotate:      monitor.JournalRotated,
		OnTruncate:    monitor.JournalTruncated,
	})
}

func (f *Factory) standbySnapshotStore() (SnapshotStore, error) {
	if f.directory == "" {
		return snapshot.NewNullStore(f.system, "standby engines without a prevalence directory are unable to take snapshots"), nil
	}
	return f.snapshotStore()
}

func (f *Factory) snapshotStore() (SnapshotStore, error) {
	if f.transientMode && f.directory == "" {
		return snapshot.NewNullStore(f.system, "transient engines are unable to take snapshots"), nil
	}

	dir, err := storage.Open(f.prevalenceDirectory())
	if err != nil {
		return nil, err
	}

	store := snapshot.NewFileStore(dir, f.system)
	suffixes := f.snapshotSuffixes
	if len(suffixes) == 0 {
		if err := store.RegisterSerializer(snapshot.DefaultSuffix, codec.NewGob()); err != nil {
			return nil, err
		}
		return store, nil
	}
	for _, suffix := range suffixes {
		if err := store.RegisterSerializer(suffix, f.snapshotSerializers[suffix]); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (f *Factory) primarySnapshotSerializer() codec.Serializer {
	if len(f.snapshotSuffixes) > 0 {
		return f.snapshotSerializers[f.snapshotSuffixes[0]]
	}
	return codec.NewGob()
}

func (f *Factory) prevalenceDirectory() string {
	if f.directory != "" {
		return f.directory
	}
	return DefaultDirectory
}
