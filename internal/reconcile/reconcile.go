// Package reconcile finds object-store objects that no metadata row
// references. A save that wrote the object but never had its row committed
// leaves such an orphan behind.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/objectstore"
	"go.uber.org/zap"
)

type Lister interface {
	List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error)
	Delete(ctx context.Context, key string) bool
}

type KeySource interface {
	ObjectKeys(ctx context.Context) (map[string]struct{}, error)
}

type Options struct {
	// Grace skips objects younger than this, so saves still in flight are
	// not mistaken for orphans.
	Grace  time.Duration
	Delete bool
	Prefix string
}

type Report struct {
	Scanned int                      `json:"scanned"`
	Orphans []objectstore.ObjectInfo `json:"orphans"`
	Deleted int                      `json:"deleted"`
	Failed  []string                 `json:"failed,omitempty"`
}

// Run lists the store, subtracts referenced keys and optionally deletes
// what remains. Keys are read after the listing so a row committed during
// the scan still protects its object.
func Run(ctx context.Context, store Lister, keys KeySource, opts Options, logger *zap.Logger) (*Report, error) {
	objects, err := store.List(ctx, opts.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	known, err := keys.ObjectKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load referenced keys: %w", err)
	}

	cutoff := time.Now().Add(-opts.Grace)
	report := &Report{Scanned: len(objects), Orphans: []objectstore.ObjectInfo{}}
	for _, obj := range objects {
		if _, ok := known[obj.Key]; ok {
			continue
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		report.Orphans = append(report.Orphans, obj)
	}

	if opts.Delete {
		for _, obj := range report.Orphans {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if store.Delete(ctx, obj.Key) {
				report.Deleted++
				logger.Info("orphan deleted", zap.String("key", obj.Key), zap.Int64("size", obj.Size))
			} else {
				report.Failed = append(report.Failed, obj.Key)
			}
		}
	}

	logger.Info("reconcile finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}
