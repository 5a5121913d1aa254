package cmd

import (
	"fmt"

	"github.com/rbeezley/ringsync/internal/manager"
	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/realtime"
	"github.com/rbeezley/ringsync/internal/remote"
	"github.com/rbeezley/ringsync/internal/store"
	"github.com/rbeezley/ringsync/internal/syncconfig"
)

// defaultCollections are the tables every command registers.
var defaultCollections = []string{
	models.CollectionEntries,
	models.CollectionClasses,
	models.CollectionTrials,
}

// openManager builds the replication manager from config. The caller owns
// the returned store and must Close both. Commands that never touch the
// change stream pass withStream=false.
func openManager(withStream bool) (*manager.Manager, *store.Store, error) {
	path, err := syncconfig.DatabasePath()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve database path: %w", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	client := remote.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), syncconfig.GetLicenseKey())

	var mux *realtime.Multiplexer
	if withStream {
		mux = realtime.New(client.StreamURL(), client.APIKey, client.LicenseKey, nil)
	}

	mgr := manager.New(st, client, mux)
	for _, name := range defaultCollections {
		mgr.Register(name)
	}
	return mgr, st, nil
}
