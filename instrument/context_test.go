package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-android-agent-sub003/buildid"
	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
	"github.com/newrelic/newrelic-android-agent-sub003/rules"
)

func TestContextTags(t *testing.T) {
	ctx := NewContext(testLog, nil, testOptions())
	ctx.AddTag("a")
	ctx.AddTag("b")
	ctx.AddUniqueTag("a")
	assert.Equal(t, []string{"b", "a"}, ctx.Tags())
	assert.True(t, ctx.HasTag("b"))
	assert.False(t, ctx.HasTag("c"))

	ctx.Reset()
	assert.Empty(t, ctx.Tags())
}

func TestContextModifiedIsSticky(t *testing.T) {
	ctx := NewContext(testLog, nil, testOptions())
	assert.False(t, ctx.Modified())
	ctx.MarkModified()
	ctx.MarkModified()
	assert.True(t, ctx.Modified())
	ctx.Reset()
	assert.False(t, ctx.Modified())
}

func TestContextNames(t *testing.T) {
	ctx := NewContext(testLog, nil, testOptions())
	ctx.SetClass("com/example/Outer$Inner", "java/lang/Object")
	assert.Equal(t, "com.example.Outer$Inner", ctx.FriendlyClassName())
	assert.Equal(t, "Outer$Inner", ctx.SimpleClassName())
	assert.Equal(t, "java/lang/Object", ctx.SuperName())
}

func TestTracedMethods(t *testing.T) {
	ctx := NewContext(testLog, nil, testOptions())
	ctx.SetClass("com/example/Worker", "java/lang/Object")

	ctx.AddTracedMethod("work", "()V")
	ctx.AddSkippedMethod("idle", "(I)V")
	assert.True(t, ctx.IsTracedMethod("work", "()V"))
	assert.False(t, ctx.IsTracedMethod("work", "(I)V"))
	assert.False(t, ctx.IsTracedMethod("idle", "(I)V"))
	assert.True(t, ctx.IsSkippedMethod("idle", "(I)V"))

	// methods of another class are distinct
	ctx.SetClass("com/example/Other", "java/lang/Object")
	assert.False(t, ctx.IsTracedMethod("work", "()V"))
	ctx.SetClass("com/example/Worker", "java/lang/Object")

	ctx.AddTracedMethodParameter("work", classfile.Literal{Name: "n", Type: "java.lang.Integer", Value: "3"})
	assert.Equal(t, []string{"n", "java.lang.Integer", "3"}, ctx.TracedMethodParameters("work"))
	assert.Nil(t, ctx.TracedMethodParameters("idle"))

	rs := ctx.TraceRules()
	require.Len(t, rs, 2)
	var kinds []rules.Kind
	for _, r := range rs {
		kinds = append(kinds, r.Kind)
		if r.Kind == rules.Trace {
			assert.Equal(t, "work", r.Pattern.Name)
			assert.Len(t, r.Params, 1)
		}
	}
	assert.ElementsMatch(t, []rules.Kind{rules.Trace, rules.Skip}, kinds)
}

func TestContextVariant(t *testing.T) {
	assert.Equal(t, buildid.DefaultVariant, NewContext(testLog, nil, nil).Variant())

	opts := testOptions()
	opts.Variant = "StagingDebug"
	assert.Equal(t, "stagingdebug", NewContext(testLog, nil, opts).Variant())
}
