// Package instrument rewrites application classes for the Android agent.
//
// A Dispatcher takes one encoded class at a time. The prefilter reads the
// class structure into a fresh Context: names, agent tags and the methods
// marked @Trace or @SkipTrace. A class already tagged Instrumented is
// returned as is. Otherwise the class name picks a chain of stages:
//
//	agent classes        self-patching (isInstrumented, build ID)
//	androidx/navigation  Compose navigator delegates, when enabled
//	android, kotlin      Activity lifecycle delegates
//	excluded packages    no output
//	everything else      call sites, @Trace, AsyncTask, Fragment, Activity
//
// Stages edit decoded method bodies in a ClassModel. Only touched bodies
// are re-encoded, with stack map frames first and, if that fails, once
// more in maxs mode. A class that still cannot be rewritten is passed
// through unchanged.
package instrument
