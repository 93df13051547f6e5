package state_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/opengrove/opengrove/pkg/engine"
	"github.com/opengrove/opengrove/pkg/state"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "grove-state")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := state.NewSQLiteStore(state.Config{
		Path: filepath.Join(dir, "state.db"),
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_PutResource demonstrates recording resource state.
func ExampleSQLiteStore_PutResource() {
	dir, err := os.MkdirTemp("", "grove-state")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := state.NewSQLiteStore(state.Config{
		Path: filepath.Join(dir, "state.db"),
	})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	now := time.Now().UTC()
	err = store.PutResource(ctx, &engine.ResourceState{
		DeploymentID: "prod",
		ResourceID:   "db",
		Kind:         engine.KindDatabase,
		Status:       engine.StatusCreated,
		Outputs:      map[string]string{"endpoint": "db.internal:5432"},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.GetResource(ctx, "prod", "db")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Resource: %s, Status: %s, Endpoint: %s\n",
		st.ResourceID, st.Status, st.Outputs["endpoint"])
	// Output: Resource: db, Status: created, Endpoint: db.internal:5432
}
