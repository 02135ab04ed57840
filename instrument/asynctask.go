package instrument

// asyncTaskStage traces AsyncTask subclasses across the background hop.
type asyncTaskStage struct{}

const asyncTaskClass = "android/os/AsyncTask"

var asyncTaskTraced = []tracedMethod{
	{Name: "doInBackground", Desc: "([Ljava/lang/Object;)Ljava/lang/Object;"},
	{Name: "onPostExecute", Desc: "(Ljava/lang/Object;)V"},
}

func (asyncTaskStage) Name() string { return "AsyncTaskClassVisitor" }

func (asyncTaskStage) Apply(ctx *Context, c *ClassModel) error {
	if ctx.SuperName() != asyncTaskClass {
		return nil
	}
	decorateTraceInterface(ctx, c)
	ctx.Log.Debugf("[AsyncTaskClassVisitor] Rewriting [%s]", ctx.ClassName())
	ctx.MarkModified()

	for _, tm := range asyncTaskTraced {
		if m := c.Method(tm.Name, tm.Desc); m != nil {
			if err := injectTrace(ctx, c, m, false); err != nil {
				return err
			}
		}
	}
	decorateTraceField(ctx, c)
	if err := decorateTraceSetter(ctx, c); err != nil {
		return err
	}
	ctx.Log.Infof("[AsyncTaskClassVisitor] Added Trace object and interface to [%s]", ctx.ClassName())
	return nil
}
