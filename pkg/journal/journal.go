// Package journal records import outcomes in append-only streams and answers
// whether a target has already been imported.
//
// Two backends are provided: FileJournal writes one newline-delimited file
// per stream, RedisJournal keeps one list per stream plus a set for the
// imported-target index.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_journal_appends_total",
		Help: "Total journal records appended by kind",
	}, []string{"kind"})

	appendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_journal_append_errors_total",
		Help: "Total journal append failures by kind",
	}, []string{"kind"})
)

// ErrUnknownKind is returned for a Kind that has no stream.
var ErrUnknownKind = errors.New("unknown journal kind")

// Kind selects the stream a record is appended to.
type Kind string

const (
	// KindImportedTarget is the dedup index. Records are identity keys.
	KindImportedTarget Kind = "imported-target"
	// KindImportedProject holds successful project results.
	KindImportedProject Kind = "imported-project"
	// KindFailedProject holds failed project records.
	KindFailedProject Kind = "failed-project"
	// KindJob holds raw job ids and polling references.
	KindJob Kind = "job"
	// KindBatch holds raw batch records.
	KindBatch Kind = "batch"
	// KindSummary holds one record per run.
	KindSummary Kind = "summary"
)

var streams = map[Kind]string{
	KindImportedTarget:  "imported-targets",
	KindImportedProject: "imported-projects",
	KindFailedProject:   "failed-projects",
	KindJob:             "job-ids",
	KindBatch:           "batches",
	KindSummary:         "summary",
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{KindImportedTarget, KindImportedProject, KindFailedProject, KindJob, KindBatch, KindSummary}
}

// Stream returns the stream name for k.
func (k Kind) Stream() (string, error) {
	name, ok := streams[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	return name, nil
}

// Journal is an append-only outcome sink. Implementations are safe for
// concurrent use.
type Journal interface {
	// Append writes record to the stream of kind. For KindImportedTarget the
	// record is the identity key (a string or fmt.Stringer); every other kind
	// is stored as one JSON line.
	Append(ctx context.Context, kind Kind, record any) error

	// Imported reports whether key is in the imported-target index.
	Imported(ctx context.Context, key string) (bool, error)

	// Records returns the raw lines of a stream in append order.
	Records(ctx context.Context, kind Kind) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

// encode renders record as a single line for kind.
func encode(kind Kind, record any) (string, error) {
	if kind == KindImportedTarget {
		switch key := record.(type) {
		case string:
			return key, nil
		case fmt.Stringer:
			return key.String(), nil
		default:
			return "", fmt.Errorf("imported-target record must be a key, got %T", record)
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal %s record: %w", kind, err)
	}
	return string(data), nil
}

// Backend names accepted by Open.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Dir         string
	RedisAddr   string
	RedisPrefix string
}

// Open returns the journal described by opts. The file backend is the default.
func Open(ctx context.Context, opts Options) (Journal, error) {
	switch opts.Backend {
	case "", BackendFile:
		j, err := OpenFile(opts.Dir)
		if err != nil {
			return nil, err
		}
		return j, nil
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis journal requires an address")
		}
		j, err := DialRedis(ctx, opts.RedisAddr, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", opts.Backend)
	}
}
