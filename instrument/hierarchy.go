package instrument

import (
	"sync"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// jdkSupers seeds every hierarchy with platform classes that show up in
// merged frames of rewritten code.
var jdkSupers = map[string]string{
	"java/lang/Object":                       "",
	"java/lang/String":                       "java/lang/Object",
	"java/lang/Number":                       "java/lang/Object",
	"java/lang/Integer":                      "java/lang/Number",
	"java/lang/Long":                         "java/lang/Number",
	"java/lang/Boolean":                      "java/lang/Object",
	"java/lang/Throwable":                    "java/lang/Object",
	"java/lang/Exception":                    "java/lang/Throwable",
	"java/lang/RuntimeException":             "java/lang/Exception",
	"java/lang/Error":                        "java/lang/Throwable",
	"java/lang/LinkageError":                 "java/lang/Error",
	"java/lang/IncompatibleClassChangeError": "java/lang/LinkageError",
	"java/lang/NoSuchFieldError":             "java/lang/IncompatibleClassChangeError",
	"java/io/IOException":                    "java/lang/Exception",
	"java/util/AbstractCollection":           "java/lang/Object",
	"java/util/AbstractList":                 "java/util/AbstractCollection",
	"java/util/ArrayList":                    "java/util/AbstractList",
	"java/net/URLConnection":                 "java/lang/Object",
	"java/net/HttpURLConnection":             "java/net/URLConnection",
	"javax/net/ssl/HttpsURLConnection":       "java/net/HttpURLConnection",
	"android/content/Context":                "java/lang/Object",
	"android/content/ContextWrapper":         "android/content/Context",
	"android/view/ContextThemeWrapper":       "android/content/ContextWrapper",
	"android/app/Activity":                   "android/view/ContextThemeWrapper",
	"android/app/Fragment":                   "java/lang/Object",
	"android/os/AsyncTask":                   "java/lang/Object",
}

// ClassHierarchy records superclass links learnt from the classes a run
// has seen. It is safe for concurrent use and satisfies
// bytecode.Hierarchy.
type ClassHierarchy struct {
	mu     sync.RWMutex
	supers map[string]string
}

// NewClassHierarchy returns a hierarchy seeded with platform classes.
func NewClassHierarchy() *ClassHierarchy {
	h := &ClassHierarchy{supers: make(map[string]string, len(jdkSupers))}
	for k, v := range jdkSupers {
		h.supers[k] = v
	}
	return h
}

// Record stores the superclass of class. java/lang/Object has none.
func (h *ClassHierarchy) Record(class, super string) {
	if class == "" {
		return
	}
	h.mu.Lock()
	h.supers[class] = super
	h.mu.Unlock()
}

// Learn records the superclass of an encoded class.
func (h *ClassHierarchy) Learn(data []byte) error {
	cls, err := classfile.Parse(data)
	if err != nil {
		return err
	}
	h.Record(cls.Name(), cls.SuperName())
	return nil
}

// SuperName implements bytecode.Hierarchy.
func (h *ClassHierarchy) SuperName(class string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.supers[class]
	return s, ok
}

// Len returns the number of known classes.
func (h *ClassHierarchy) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.supers)
}
