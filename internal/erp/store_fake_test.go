package erp

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeStore is an in-memory Store. Transactions are serialized and roll
// back by restoring a snapshot.
type fakeStore struct {
	mu        sync.Mutex
	data      *fakeData
	fail      map[string]error // write errors keyed by code or order number
	deadlocks int              // WithTx calls that fail with a deadlock first
	txCount   int
}

type fakeData struct {
	next int64
	ids  map[Entity]map[string]int64
	rows map[string]map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data: &fakeData{ids: make(map[Entity]map[string]int64), rows: make(map[string]map[string]any)},
		fail: make(map[string]error),
	}
}

func (d *fakeData) clone() *fakeData {
	out := &fakeData{next: d.next, ids: make(map[Entity]map[string]int64), rows: make(map[string]map[string]any)}
	for e, m := range d.ids {
		out.ids[e] = make(map[string]int64, len(m))
		for k, v := range m {
			out.ids[e][k] = v
		}
	}
	for t, m := range d.rows {
		out.rows[t] = make(map[string]any, len(m))
		for k, v := range m {
			out.rows[t][k] = v
		}
	}
	return out
}

func (s *fakeStore) Lookup(_ context.Context, entity Entity, codes []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for _, c := range codes {
		if id, ok := s.data.ids[entity][c]; ok {
			out[c] = id
		}
	}
	return out, nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(w Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	if s.deadlocks > 0 {
		s.deadlocks--
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	}

	snapshot := s.data.clone()
	if err := fn(fakeWriter{d: s.data, fail: s.fail}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// seed inserts reference rows outside any import.
func (s *fakeStore) seed(entity Entity, codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := fakeWriter{d: s.data}
	for _, c := range codes {
		w.put(entity, c, c)
	}
}

func (s *fakeStore) row(table, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.rows[table][key]
	return v, ok
}

func (s *fakeStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.rows[table])
}

type fakeWriter struct {
	d    *fakeData
	fail map[string]error
}

func (w fakeWriter) check(key string) error {
	if err, ok := w.fail[key]; ok {
		return err
	}
	return nil
}

func (w fakeWriter) put(entity Entity, code string, v any) int64 {
	if w.d.ids[entity] == nil {
		w.d.ids[entity] = make(map[string]int64)
	}
	id, ok := w.d.ids[entity][code]
	if !ok {
		w.d.next++
		id = w.d.next
		w.d.ids[entity][code] = id
	}
	w.store(string(entity), code, v)
	return id
}

func (w fakeWriter) store(table, key string, v any) {
	if w.d.rows[table] == nil {
		w.d.rows[table] = make(map[string]any)
	}
	w.d.rows[table][key] = v
}

func (w fakeWriter) UpsertUnit(_ context.Context, u Unit) (int64, error) {
	if err := w.check(u.Code); err != nil {
		return 0, err
	}
	return w.put(EntityUnit, u.Code, u), nil
}

func (w fakeWriter) UpsertSupplier(_ context.Context, s Supplier) (int64, error) {
	if err := w.check(s.Code); err != nil {
		return 0, err
	}
	return w.put(EntitySupplier, s.Code, s), nil
}

func (w fakeWriter) InsertOrGetMaterialGroup(_ context.Context, g MaterialGroup) (int64, error) {
	if err := w.check(g.Code); err != nil {
		return 0, err
	}
	return w.put(EntityMaterialGroup, g.Code, g), nil
}

func (w fakeWriter) UpsertMaterial(_ context.Context, m Material) (int64, error) {
	if err := w.check(m.Code); err != nil {
		return 0, err
	}
	return w.put(EntityMaterial, m.Code, m), nil
}

func (w fakeWriter) InsertOrGetCustomer(_ context.Context, c Customer) (int64, error) {
	if err := w.check(c.Code); err != nil {
		return 0, err
	}
	return w.put(EntityCustomer, c.Code, c), nil
}

func (w fakeWriter) UpsertBOM(_ context.Context, b BOM) (int64, error) {
	key := fmt.Sprintf("%d/%s", b.MaterialID, b.Version)
	if err := w.check(key); err != nil {
		return 0, err
	}
	w.store("bom", key, b)
	return int64(len(w.d.rows["bom"])), nil
}

func (w fakeWriter) ReplacePurchaseOrder(_ context.Context, o Order) (int64, error) {
	if err := w.check(o.OrderNo); err != nil {
		return 0, err
	}
	w.store("purchase-order", o.OrderNo, o)
	return int64(len(w.d.rows["purchase-order"])), nil
}

func (w fakeWriter) ReplaceSaleOrder(ctx context.Context, o Order) (int64, error) {
	if err := w.check(o.OrderNo); err != nil {
		return 0, err
	}
	if o.PartyID == 0 {
		id, err := w.InsertOrGetCustomer(ctx, Customer{Code: o.PartyCode, Name: o.PartyName})
		if err != nil {
			return 0, err
		}
		o.PartyID = id
	}
	w.store("sale-order", o.OrderNo, o)
	return int64(len(w.d.rows["sale-order"])), nil
}
