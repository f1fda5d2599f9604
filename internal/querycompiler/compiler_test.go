package querycompiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/registry"
)

type fakeSources struct {
	colls map[string]*collection.Collection
}

func (s *fakeSources) Get(id string) (*collection.Collection, bool) {
	c, ok := s.colls[id]
	return c, ok
}

func oneShotSync(rows []collection.Entity) func(collection.SyncController) (func(), error) {
	return func(ctrl collection.SyncController) (func(), error) {
		ctrl.Begin()
		for _, r := range rows {
			ctrl.Write(collection.WriteOp{Type: collection.Insert, Value: r})
		}
		ctrl.Commit()
		ctrl.MarkReady()
		return func() {}, nil
	}
}

func mustReady(t *testing.T, c *collection.Collection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.StateWhenReady(ctx)
	require.NoError(t, err)
}

func newTestCollection(t *testing.T, id string, rows []collection.Entity) *collection.Collection {
	t.Helper()
	c, err := collection.New(&collection.Config{
		ID:        id,
		GetKey:    func(e collection.Entity) collection.Key { return e["id"] },
		StartSync: true,
		Sync:      collection.SyncConfig{Sync: oneShotSync(rows)},
	}, nil)
	require.NoError(t, err)
	mustReady(t, c)
	return c
}

func TestCompileBaseFilterOnly(t *testing.T) {
	orders := newTestCollection(t, "orders", []collection.Entity{
		{"id": "o1", "status": "open", "total": 10.0},
		{"id": "o2", "status": "closed", "total": 20.0},
	})
	sources := &fakeSources{colls: map[string]*collection.Collection{"orders": orders}}
	comp := NewCompiler(registry.NewDefault(), sources)

	q := &ir.Query{
		From:  map[string]ir.Source{"o": ir.FromCollection("orders")},
		Where: []ir.BasicExpression{ir.Eq(ir.Ref("o", "status"), ir.Val("open"))},
		Select: map[string]ir.SelectItem{
			"id": ir.SelectExpr(ir.Ref("o", "id")),
		},
	}
	cq, err := comp.Compile(q)
	require.NoError(t, err)

	changes := cq.Snapshot()
	require.Len(t, changes, 1)
	require.Equal(t, ir.Insert, changes[0].Type)
	require.Equal(t, "o1", changes[0].Value["id"])
}

func TestCompileJoinAndGroupBy(t *testing.T) {
	customers := newTestCollection(t, "customers", []collection.Entity{
		{"id": "c1", "name": "Ada"},
		{"id": "c2", "name": "Grace"},
	})
	orders := newTestCollection(t, "orders", []collection.Entity{
		{"id": "o1", "customerId": "c1", "total": 10.0},
		{"id": "o2", "customerId": "c1", "total": 5.0},
		{"id": "o3", "customerId": "c2", "total": 7.0},
	})
	sources := &fakeSources{colls: map[string]*collection.Collection{
		"customers": customers,
		"orders":    orders,
	}}
	comp := NewCompiler(registry.NewDefault(), sources)

	q := &ir.Query{
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
			"total": ir.SelectAgg(ir.NewAgg("sum", ir.Ref("o", "total"))),
		},
	}
	cq, err := comp.Compile(q)
	require.NoError(t, err)

	changes := cq.Snapshot()
	require.Len(t, changes, 2)

	totals := map[string]float64{}
	for _, ch := range changes {
		require.Equal(t, ir.Insert, ch.Type)
		v, _ := ch.Value["total"].(float64)
		totals[ch.Key.(string)] = v
	}
	var sum float64
	for _, v := range totals {
		sum += v
	}
	require.InDelta(t, 22.0, sum, 0.001)
}
