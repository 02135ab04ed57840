package instrument

import (
	"encoding/binary"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/bytecode"
)

// selfPatchStage rewrites the agent's own build-time hooks: NewRelic
// reports itself instrumented and Crash returns the variant's build ID.
type selfPatchStage struct{}

func (selfPatchStage) Name() string { return "agent" }

func (selfPatchStage) Apply(ctx *Context, c *ClassModel) error {
	switch ctx.ClassName() {
	case NewRelicClass:
		for _, m := range c.Methods {
			if m.Name != "isInstrumented" || m.IsAbstract() {
				continue
			}
			code, err := c.ReplaceBody(m)
			if err != nil {
				return err
			}
			e := c.Emitter(code)
			e.Emit(bytecode.ICONST_1)
			e.Emit(bytecode.IRETURN)
			code.Insns = e.Take()
			ctx.Log.Infof("[NewRelicMethodVisitor] Marking NewRelic agent as instrumented")
			ctx.MarkModified()
		}

	case CrashClass:
		for _, m := range c.Methods {
			if m.Name != "getBuildId" || m.IsAbstract() {
				continue
			}
			id := ctx.Options.BuildIDs.Get(ctx.Variant())
			code, err := c.ReplaceBody(m)
			if err != nil {
				return err
			}
			e := c.Emitter(code)
			e.EmitString(id)
			e.Emit(bytecode.ARETURN)
			code.Insns = e.Take()
			ctx.Log.Infof("[NewRelicMethodVisitor] Setting build identifier to [%s]", id)
			ctx.MarkModified()
		}

	case AgentClass:
		checkAgentVersion(ctx, c)
	}
	return nil
}

// checkAgentVersion warns when the agent on the classpath was built for a
// different rewriter version.
func checkAgentVersion(ctx *Context, c *ClassModel) {
	want := ctx.Options.AgentVersion
	f := c.Field("VERSION")
	if want == "" || f == nil {
		return
	}
	attr := f.Attribute("ConstantValue")
	if attr == nil || len(attr.Data) != 2 {
		return
	}
	have, err := c.Pool.StringValue(binary.BigEndian.Uint16(attr.Data))
	if err != nil {
		return
	}
	if have != want {
		ctx.Log.Warningf("New Relic Error: Your agent and class rewriter versions do not match: agent[%s] class rewriter[%s]. "+
			"You may need to update one of these components, or simply invalidate your AndroidStudio cache.", have, want)
	}
}
