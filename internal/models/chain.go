package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/desertthunder/pmx/internal/shared"
)

// ErrUnresolvableShape is returned when the hop shapes of a chain cannot be reconciled
// into a single aggregate shape.
var ErrUnresolvableShape = fmt.Errorf("unresolvable transformation shape")

// ResolveShape folds hop shapes left to right into the aggregate shape of a chain.
//
// The aggregate starts as [OneToOne]. A [OneToMany] hop is only legal while the aggregate is
// still [OneToOne] and turns it into a bundle; a [ManyToOne] hop is only legal when every
// preceding hop is [OneToOne]. After either fan hop only [OneToOne] hops may follow, applied per
// bundle member or to the merged file.
func ResolveShape(shapes ...Shape) (Shape, error) {
	agg := OneToOne
	for i, s := range shapes {
		switch s {
		case OneToOne:
		case OneToMany, ManyToOne:
			if agg != OneToOne {
				return 0, fmt.Errorf("%w: %s at hop %d follows %s", ErrUnresolvableShape, s, i, agg)
			}
			agg = s
		default:
			return 0, fmt.Errorf("%w: %s at hop %d", ErrUnresolvableShape, s, i)
		}
	}
	return agg, nil
}

// Chain is an ordered, non-empty sequence of services carrying an object from Source to Target.
type Chain struct {
	Source string
	Hops   []Service
}

// NewChain builds a contiguous chain starting at source.
func NewChain(source string, hops ...Service) (Chain, error) {
	c := Chain{Source: source, Hops: hops}
	if err := c.Validate(); err != nil {
		return Chain{}, err
	}
	return c, nil
}

// Extend returns a copy of c with svc appended. The receiver is never modified.
func (c Chain) Extend(svc Service) Chain {
	hops := make([]Service, len(c.Hops), len(c.Hops)+1)
	copy(hops, c.Hops)
	return Chain{Source: c.Source, Hops: append(hops, svc)}
}

// Len returns the number of hops.
func (c Chain) Len() int { return len(c.Hops) }

// Formats lists every format the chain passes through, source first.
func (c Chain) Formats() []string {
	formats := make([]string, 0, len(c.Hops)+1)
	formats = append(formats, c.Source)
	for _, h := range c.Hops {
		formats = append(formats, h.Output)
	}
	return formats
}

// Target returns the format produced by the last hop, or the source of an empty chain.
func (c Chain) Target() string {
	if len(c.Hops) == 0 {
		return c.Source
	}
	return c.Hops[len(c.Hops)-1].Output
}

// InputOf returns the format flowing into hop i.
func (c Chain) InputOf(i int) string {
	if i == 0 {
		return c.Source
	}
	return c.Hops[i-1].Output
}

// Cost sums the hop costs. It is unknown if any hop cost is unknown.
func (c Chain) Cost() Cost {
	total := KnownCost(0)
	for _, h := range c.Hops {
		total = total.Add(h.Cost)
	}
	return total
}

// Shape returns the aggregate shape of the chain.
func (c Chain) Shape() (Shape, error) {
	shapes := make([]Shape, len(c.Hops))
	for i, h := range c.Hops {
		shapes[i] = h.Shape
	}
	return ResolveShape(shapes...)
}

// Key identifies a chain by its source and the ids of its services.
func (c Chain) Key() string {
	ids := make([]string, len(c.Hops))
	for i, h := range c.Hops {
		ids[i] = h.ID
	}
	return c.Source + ":" + strings.Join(ids, ">")
}

// ServiceIDs returns the ids of the hops in order.
func (c Chain) ServiceIDs() []string {
	ids := make([]string, len(c.Hops))
	for i, h := range c.Hops {
		ids[i] = h.ID
	}
	return ids
}

func (c Chain) String() string {
	var b strings.Builder
	b.WriteString(c.Source)
	for _, h := range c.Hops {
		fmt.Fprintf(&b, " -[%s]-> %s", h.ID, h.Output)
	}
	return b.String()
}

// Validate checks that the chain is non-empty and contiguous.
func (c Chain) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("%w: chain has no source format", shared.ErrInvalidChain)
	}
	if len(c.Hops) == 0 {
		return fmt.Errorf("%w: chain has no hops", shared.ErrInvalidChain)
	}
	for i, h := range c.Hops {
		if in := c.InputOf(i); !h.Accepts(in) {
			return fmt.Errorf("%w: hop %d (%s) does not accept %s", shared.ErrInvalidChain, i, h.ID, in)
		}
	}
	return nil
}

type chainJSON struct {
	Source string    `json:"source"`
	Hops   []Service `json:"hops"`
	Cost   Cost      `json:"cost"`
	Shape  string    `json:"shape,omitempty"`
}

func (c Chain) MarshalJSON() ([]byte, error) {
	out := chainJSON{Source: c.Source, Hops: c.Hops, Cost: c.Cost()}
	if s, err := c.Shape(); err == nil {
		out.Shape = s.String()
	}
	return json.Marshal(out)
}

func (c *Chain) UnmarshalJSON(data []byte) error {
	var in chainJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.Source, c.Hops = in.Source, in.Hops
	return nil
}
