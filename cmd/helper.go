package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/blawesom/vm-manager/lock/flock"
	"github.com/blawesom/vm-manager/network"
	"github.com/blawesom/vm-manager/observer"
	"github.com/blawesom/vm-manager/operator"
	"github.com/blawesom/vm-manager/store"
	"github.com/blawesom/vm-manager/utils"
)

// initStore opens the state store under the configured root. The db
// directory must exist before the first write.
func initStore() (*store.Store, error) {
	if err := utils.EnsureDirs(filepath.Dir(conf.IndexFile())); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return store.New(conf.IndexFile(), flock.New(conf.IndexLock())), nil
}

// initOperator wires the store, network manager, and operator together.
func initOperator() (*operator.Operator, *store.Store, *network.Manager, error) {
	st, err := initStore()
	if err != nil {
		return nil, nil, nil, err
	}
	nm, err := network.New(conf)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init network: %w", err)
	}
	op, err := operator.New(conf, st, nm)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init operator: %w", err)
	}
	return op, st, nm, nil
}

func initObserver(st *store.Store) *observer.Observer {
	return observer.New(conf, st, nil)
}

// batchVMCmd applies fn to each VM ref concurrently, bounded by the
// configured pool size, and reports per-ID results. Individual failures
// do not abort the batch.
func batchVMCmd(ctx context.Context, name, pastTense string, fn func(context.Context, string) error, refs []string) error {
	logger := log.WithFunc("cmd." + name)

	type result struct {
		id  string
		err error
	}
	results := make([]result, len(refs))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(conf.PoolSize)
	for i, id := range refs {
		eg.Go(func() error {
			results[i] = result{id: id, err: fn(egCtx, id)}
			return nil
		})
	}
	_ = eg.Wait()

	var failed []string
	for _, r := range results {
		if r.err != nil {
			logger.Errorf(ctx, r.err, "%s %s", name, r.id)
			failed = append(failed, r.id)
			continue
		}
		logger.Infof(ctx, "%s: %s", pastTense, r.id)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed for: %s", name, strings.Join(failed, ", "))
	}
	return nil
}

// parseGB parses a human size string ("2G", "512M") into whole GiB,
// rounding up so a guest never gets less than asked for.
func parseGB(s string) (int, error) {
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	gb := bytes / units.GiB
	if bytes%units.GiB != 0 {
		gb++
	}
	if gb <= 0 {
		gb = 1
	}
	return int(gb), nil
}

func formatGB(gb int) string {
	return units.BytesSize(float64(gb) * units.GiB)
}
