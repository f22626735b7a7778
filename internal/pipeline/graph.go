// Package pipeline runs webhook enrichment as a leveled dependency graph.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// ErrTerminal is returned by Run when a terminal operation fails.
var ErrTerminal = errors.New("terminal pipeline operation failed")

// Op is one named enrichment step.
type Op struct {
	Name string
	// Deps name the ops whose outputs Run reads.
	Deps []string
	Run  func(ctx context.Context, in Inputs) (any, error)
	// Default supplies the output used when Run fails. Nil means a nil output.
	Default func() any
	// Terminal ops abort the run when they fail.
	Terminal bool
}

// Inputs is a read-only view of seed values and outputs of completed levels.
type Inputs struct {
	values map[string]any
}

// Value returns the raw value stored under name.
func (in Inputs) Value(name string) any {
	return in.values[name]
}

// Has reports whether name has a value.
func (in Inputs) Has(name string) bool {
	_, ok := in.values[name]
	return ok
}

// Get returns the value under name as T, or T's zero value.
func Get[T any](in Inputs, name string) T {
	v, _ := in.values[name].(T)
	return v
}

// Result is the outcome of a run.
type Result struct {
	Inputs
	// Failed lists ops that degraded to their defaults.
	Failed []string
}

// Graph is an immutable set of ops partitioned into levels at construction.
type Graph struct {
	ops    map[string]Op
	levels [][]string
	logger *logger.Logger
}

// NewGraph validates dependencies and derives levels: an op's level is one
// more than the deepest of its dependencies. Ops keep declaration order
// inside a level.
func NewGraph(log *logger.Logger, ops ...Op) (*Graph, error) {
	byName := make(map[string]Op, len(ops))
	order := make(map[string]int, len(ops))
	for i, op := range ops {
		if op.Name == "" {
			return nil, errors.New("pipeline: op without name")
		}
		if op.Run == nil {
			return nil, fmt.Errorf("pipeline: op %q has no Run", op.Name)
		}
		if _, dup := byName[op.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate op %q", op.Name)
		}
		byName[op.Name] = op
		order[op.Name] = i
	}
	for _, op := range ops {
		for _, d := range op.Deps {
			if _, ok := byName[d]; !ok {
				return nil, fmt.Errorf("pipeline: op %q depends on unknown op %q", op.Name, d)
			}
		}
	}

	depth := make(map[string]int, len(ops))
	const visiting = -1
	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		switch d, seen := depth[name]; {
		case seen && d == visiting:
			return 0, fmt.Errorf("pipeline: dependency cycle through %q", name)
		case seen:
			return d, nil
		}
		depth[name] = visiting
		level := 0
		for _, dep := range byName[name].Deps {
			d, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if d+1 > level {
				level = d + 1
			}
		}
		depth[name] = level
		return level, nil
	}

	var levels [][]string
	for _, op := range ops {
		d, err := visit(op.Name)
		if err != nil {
			return nil, err
		}
		for len(levels) <= d {
			levels = append(levels, nil)
		}
	}
	for name, d := range depth {
		levels[d] = append(levels[d], name)
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return order[level[i]] < order[level[j]] })
	}

	if log == nil {
		log = logger.NewNop()
	}
	return &Graph{ops: byName, levels: levels, logger: log.Named("pipeline")}, nil
}

// Levels returns the op names per level.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

type slot struct {
	value any
	err   error
}

// Run executes the levels in order. Every op of a level is started before any
// is awaited and the next level begins only after all of them settle. Each op
// writes its own slot; slots are merged once the level is done.
func (g *Graph) Run(ctx context.Context, seed map[string]any) (*Result, error) {
	values := make(map[string]any, len(seed)+len(g.ops))
	for k, v := range seed {
		values[k] = v
	}
	res := &Result{Inputs: Inputs{values: values}}
	tracer := otel.Tracer("lead-scheduler/pipeline")

	for i, level := range g.levels {
		levelName := strconv.Itoa(i + 1)
		lctx, span := tracer.Start(ctx, "pipeline.level."+levelName)
		span.SetAttributes(attribute.StringSlice("pipeline.ops", level))
		start := time.Now()

		snapshot := Inputs{values: values}
		slots := make([]slot, len(level))
		var eg errgroup.Group
		for j, name := range level {
			op := g.ops[name]
			eg.Go(func() error {
				slots[j] = runOp(lctx, op, snapshot)
				return nil
			})
		}
		_ = eg.Wait()

		metrics.PipelineLevelDuration.WithLabelValues(levelName).Observe(time.Since(start).Seconds())

		var terminal error
		for j, name := range level {
			op := g.ops[name]
			s := slots[j]
			if s.err == nil {
				values[name] = s.value
				continue
			}

			metrics.PipelineOpFailures.WithLabelValues(name).Inc()
			if op.Terminal {
				terminal = fmt.Errorf("%w: %s: %v", ErrTerminal, name, s.err)
				g.logger.Error("terminal op failed", zap.String("op", name), zap.Error(s.err))
				continue
			}
			g.logger.Warn("op failed, using default", zap.String("op", name), zap.Error(s.err))
			res.Failed = append(res.Failed, name)
			if op.Default != nil {
				values[name] = op.Default()
			} else {
				values[name] = nil
			}
		}

		if terminal != nil {
			span.RecordError(terminal)
			span.SetStatus(codes.Error, "terminal op failed")
			span.End()
			return res, terminal
		}
		span.End()
	}

	return res, nil
}

func runOp(ctx context.Context, op Op, in Inputs) (s slot) {
	defer func() {
		if r := recover(); r != nil {
			s = slot{err: fmt.Errorf("panic in op %q: %v", op.Name, r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return slot{err: err}
	}
	v, err := op.Run(ctx, in)
	return slot{value: v, err: err}
}
