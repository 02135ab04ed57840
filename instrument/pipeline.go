package instrument

import (
	"strings"
)

// Stage is one rewrite pass over a class model. Stages keep no state
// between classes; everything per class lives in the Context.
type Stage interface {
	Name() string
	Apply(ctx *Context, c *ClassModel) error
}

// Pipeline runs stages in order.
type Pipeline []Stage

// Run applies every stage. The first failing stage aborts the pass.
func (p Pipeline) Run(ctx *Context, c *ClassModel) error {
	for _, s := range p {
		ctx.Log.Debugf("[%s] stage %s", ctx.FriendlyClassName(), s.Name())
		if err := s.Apply(ctx, c); err != nil {
			return &StageError{Stage: s.Name(), Err: err}
		}
	}
	return nil
}

// StageError reports the stage a rewrite failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return "instrument: " + e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

const composeNavigatorPrefix = "androidx/navigation/compose/ComposeNavigator"

// ChainFor returns the stages for a class of the given category. Excluded
// classes have no chain.
func ChainFor(cat Category, ctx *Context) Pipeline {
	switch cat {
	case CategoryAgent:
		return Pipeline{selfPatchStage{}}
	case CategoryNavigation:
		if ctx.Options.ComposeNavigation && strings.HasPrefix(ctx.ClassName(), composeNavigatorPrefix) {
			return Pipeline{newDelegateStage(composeTable)}
		}
		return nil
	case CategorySDK:
		return Pipeline{newDelegateStage(activityTable)}
	case CategoryExcluded:
		return nil
	}
	return Pipeline{
		callSiteStage{},
		traceStage{},
		asyncTaskStage{},
		newDelegateStage(fragmentTable),
		newDelegateStage(activityTable),
	}
}

// tagInstrumented marks the class so later passes leave it alone.
func tagInstrumented(ctx *Context, c *ClassModel) error {
	if ctx.HasTag(InstrumentedTag) {
		return nil
	}
	attrs, err := c.AddAnnotation(c.Attributes, InstrumentedTag)
	if err != nil {
		return err
	}
	c.Attributes = attrs
	ctx.AddUniqueTag(InstrumentedTag)
	return nil
}
