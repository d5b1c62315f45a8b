package investigation

import "context"

// SliceSource is a DataSource over an in-memory entity slice. Handy for
// small datasets and for tests.
type SliceSource []interface{}

// All returns a copy of the backing slice.
func (s SliceSource) All(ctx context.Context) ([]interface{}, error) {
	out := make([]interface{}, len(s))
	copy(out, s)
	return out, nil
}

// Iter yields the slice one entity at a time.
func (s SliceSource) Iter(ctx context.Context) (EntityIterator, error) {
	return &sliceIterator{entities: s}, nil
}

type sliceIterator struct {
	entities []interface{}
	pos      int
}

func (it *sliceIterator) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if it.pos >= len(it.entities) {
		return nil, false, nil
	}
	e := it.entities[it.pos]
	it.pos++
	return e, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// FuncSource adapts a pull function into a DataSource. The function
// returns ok=false when the sequence is exhausted. Each call to All or
// Iter restarts the sequence via the factory.
type FuncSource func() func(ctx context.Context) (interface{}, bool, error)

// All drains the sequence into memory.
func (f FuncSource) All(ctx context.Context) ([]interface{}, error) {
	next := f()
	var out []interface{}
	for {
		e, ok, err := next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

// Iter wraps the pull function in an EntityIterator.
func (f FuncSource) Iter(ctx context.Context) (EntityIterator, error) {
	return &funcIterator{next: f()}, nil
}

type funcIterator struct {
	next func(ctx context.Context) (interface{}, bool, error)
}

func (it *funcIterator) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return it.next(ctx)
}

func (it *funcIterator) Close() error { return nil }
