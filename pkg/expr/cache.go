package expr

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/pkg/schema"
)

// Compiled is the validated, size-checked shape of one template's
// enrichments and condition set, keyed in Cache by the template's content
// fingerprint so repeated evaluations of the same alert never re-walk and
// re-validate its expression tree.
type Compiled struct {
	Enrichments []schema.EnrichmentV1
	Conditions  schema.ConditionSetV1
	NodeCount   int
	Depth       int
}

// Compile walks every enrichment and condition expression once, counting
// nodes and the deepest nesting level, and rejects the whole set up front
// if it would ever breach limits — so a too-large expression tree fails
// fast instead of burning budget mid-evaluation on row 40,000.
func Compile(enrichments []schema.EnrichmentV1, conditions schema.ConditionSetV1, limits Limits) (*Compiled, error) {
	total := 0
	maxDepth := 0
	count := func(n schema.ExprV1) error {
		nodes, depth, err := walk(n, 1)
		if err != nil {
			return err
		}
		total += nodes
		if depth > maxDepth {
			maxDepth = depth
		}
		return nil
	}

	for _, e := range enrichments {
		if err := count(e.Expr); err != nil {
			return nil, err
		}
	}
	for _, group := range [][]schema.ExprV1{conditions.All, conditions.Any, conditions.Not} {
		for _, e := range group {
			if err := count(e); err != nil {
				return nil, err
			}
		}
	}

	if total > limits.MaxNodes {
		return nil, apperrors.NewLimitsExceeded("expr_node_count", total, limits.MaxNodes)
	}
	if maxDepth > limits.MaxDepth {
		return nil, apperrors.NewLimitsExceeded("expr_depth", maxDepth, limits.MaxDepth)
	}

	return &Compiled{Enrichments: enrichments, Conditions: conditions, NodeCount: total, Depth: maxDepth}, nil
}

func walk(n schema.ExprV1, depth int) (nodes int, maxDepth int, err error) {
	nodes, maxDepth = 1, depth
	operands := make([]*schema.ExprOperandV1, 0, 2+len(n.Values))
	if n.Left != nil {
		operands = append(operands, n.Left)
	}
	if n.Right != nil {
		operands = append(operands, n.Right)
	}
	for i := range n.Values {
		operands = append(operands, &n.Values[i])
	}
	for _, op := range operands {
		if op.Expr == nil {
			nodes++
			continue
		}
		childNodes, childDepth, err := walk(*op.Expr, depth+1)
		if err != nil {
			return 0, 0, err
		}
		nodes += childNodes
		if childDepth > maxDepth {
			maxDepth = childDepth
		}
	}
	return nodes, maxDepth, nil
}

// Cache is a bounded, concurrency-safe cache of Compiled expression sets
// keyed by fingerprint, instrumented with hit/miss counters for the
// Evaluator's metrics.
type Cache struct {
	lru  *lru.Cache[string, *Compiled]
	Hits *uint64
	Miss *uint64
}

// NewCache builds a Cache holding at most size compiled expression sets.
func NewCache(size int) (*Cache, error) {
	backing, err := lru.New[string, *Compiled](size)
	if err != nil {
		return nil, apperrors.NewInternal("expr_cache_init", err)
	}
	var hits, miss uint64
	return &Cache{lru: backing, Hits: &hits, Miss: &miss}, nil
}

// GetOrCompile returns the cached Compiled set for fingerprint, compiling
// and caching it on a miss.
func (c *Cache) GetOrCompile(fingerprint string, enrichments []schema.EnrichmentV1, conditions schema.ConditionSetV1, limits Limits) (*Compiled, error) {
	if compiled, ok := c.lru.Get(fingerprint); ok {
		atomic.AddUint64(c.Hits, 1)
		return compiled, nil
	}
	atomic.AddUint64(c.Miss, 1)
	compiled, err := Compile(enrichments, conditions, limits)
	if err != nil {
		return nil, err
	}
	c.lru.Add(fingerprint, compiled)
	return compiled, nil
}
