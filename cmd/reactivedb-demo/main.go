// Command reactivedb-demo exercises the collection engine, the mutation
// pacing strategies, and the live-query compiler end to end against an
// in-memory dataset, the way the teacher's cmd/ binaries exercise a real
// broker against flag-driven configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/livequery"
	"github.com/estuary/reactivedb/internal/querycompiler"
	"github.com/estuary/reactivedb/internal/registry"
	"github.com/estuary/reactivedb/internal/strategy"
	"github.com/estuary/reactivedb/internal/txn"
)

// opts is the top-level CLI configuration.
var opts = new(struct {
	LogLevel string `long:"log-level" default:"info" description:"logrus level: debug, info, warn, error"`
})

type cmdDemo struct {
	Seed int `long:"seed-orders" default:"5" description:"number of seed orders to create"`
}

type sourceTable struct {
	colls map[string]*collection.Collection
}

func (s *sourceTable) Get(id string) (*collection.Collection, bool) {
	c, ok := s.colls[id]
	return c, ok
}

func (cmd *cmdDemo) Execute(_ []string) error {
	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	log.SetLevel(level)

	mgr := txn.NewManager(nil)

	customers, err := collection.New(&collection.Config{
		ID:        "customers",
		GetKey:    func(e collection.Entity) collection.Key { return e["id"] },
		StartSync: true,
		Sync: collection.SyncConfig{Sync: func(ctrl collection.SyncController) (func(), error) {
			ctrl.Begin()
			ctrl.Write(collection.WriteOp{Type: collection.Insert, Value: collection.Entity{"id": "c1", "name": "Ada Lovelace"}})
			ctrl.Write(collection.WriteOp{Type: collection.Insert, Value: collection.Entity{"id": "c2", "name": "Grace Hopper"}})
			ctrl.Commit()
			ctrl.MarkReady()
			return func() {}, nil
		}},
	}, mgr)
	if err != nil {
		return fmt.Errorf("creating customers collection: %w", err)
	}

	orders, err := collection.New(&collection.Config{
		ID:        "orders",
		GetKey:    func(e collection.Entity) collection.Key { return e["id"] },
		StartSync: true,
		Sync: collection.SyncConfig{Sync: func(ctrl collection.SyncController) (func(), error) {
			ctrl.Begin()
			for i := 0; i < cmd.Seed; i++ {
				ctrl.Write(collection.WriteOp{Type: collection.Insert, Value: seedOrder(i)})
			}
			ctrl.Commit()
			ctrl.MarkReady()
			return func() {}, nil
		}},
	}, mgr)
	if err != nil {
		return fmt.Errorf("creating orders collection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := customers.StateWhenReady(ctx); err != nil {
		return fmt.Errorf("waiting for customers: %w", err)
	}
	if _, err := orders.StateWhenReady(ctx); err != nil {
		return fmt.Errorf("waiting for orders: %w", err)
	}

	comp := querycompiler.NewCompiler(registry.NewDefault(), &sourceTable{colls: map[string]*collection.Collection{
		"customers": customers,
		"orders":    orders,
	}})

	query := &ir.Query{
		From: map[string]ir.Source{"o": ir.FromCollection("orders")},
		Joins: []ir.JoinClause{{
			Alias: "c",
			Type:  ir.InnerJoin,
			From:  ir.FromCollection("customers"),
			Left:  ir.Ref("o", "customerId"),
			Right: ir.Ref("c", "id"),
		}},
		GroupBy: []ir.BasicExpression{ir.Ref("o", "customerId")},
		Select: map[string]ir.SelectItem{
			"customer": ir.SelectExpr(ir.Ref("c", "name")),
			"total":    ir.SelectAgg(ir.NewAgg("sum", ir.Ref("o", "total"))),
		},
	}

	view, err := livequery.New(ctx, comp, "orders-by-customer", query, func(e collection.Entity) collection.Key { return e["customer"] })
	if err != nil {
		return fmt.Errorf("compiling live query: %w", err)
	}

	printView(view)

	debounce := strategy.NewDebounce(mgr, 100*time.Millisecond, false, true)
	defer debounce.Cleanup()

	persisted := make(chan struct{}, 1)
	_, _ = debounce.Execute(ctx, []txn.Mutation{{
		CollectionID: "orders",
		Key:          fmt.Sprintf("o%d", cmd.Seed),
		Type:         ir.Insert,
		Value:        collection.Entity{"id": fmt.Sprintf("o%d", cmd.Seed), "customerId": "c1", "total": 99.0},
	}}, strategy.WithPersist(func(tx *txn.Transaction) (any, error) {
		persisted <- struct{}{}
		return nil, nil
	}))

	select {
	case <-persisted:
	case <-time.After(time.Second):
	}
	time.Sleep(50 * time.Millisecond)

	color.Green("\nafter new order:")
	printView(view)
	return nil
}

func seedOrder(i int) collection.Entity {
	customer := "c1"
	if i%2 == 1 {
		customer = "c2"
	}
	return collection.Entity{
		"id":         fmt.Sprintf("o%d", i),
		"customerId": customer,
		"total":      float64(10 * (i + 1)),
	}
}

func printView(c *collection.Collection) {
	for _, v := range c.Values() {
		color.Cyan("  %-16v total=%v", v["customer"], v["total"])
	}
}

func main() {
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.AddCommand("run", "Run the reactivedb demo", `
Seeds a few collections, compiles a joined/grouped live query over them, and
applies one more mutation through the debounce pacing strategy to show the
view update in place.
`, &cmdDemo{}); err != nil {
		log.WithError(err).Fatal("registering command")
	}

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("demo failed")
	}
}
