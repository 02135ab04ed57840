package rules

import (
	"fmt"
	"strings"

	"github.com/newrelic/newrelic-android-agent-sub003/pkg/classfile"
)

// MethodKey identifies a method by owner, name and descriptor. Owner is
// empty for unscoped call-site patterns, which match any receiver class.
type MethodKey struct {
	Owner string
	Name  string
	Desc  string
}

// Scoped reports whether the key names an owner class.
func (k MethodKey) Scoped() bool { return k.Owner != "" }

// String formats the key the way rule files spell it: "owner.name(desc)",
// or "name(desc)" when unscoped.
func (k MethodKey) String() string {
	if k.Owner == "" {
		return k.Name + k.Desc
	}
	return k.Owner + "." + k.Name + k.Desc
}

// lookupKey is the map key for call-site lookups.
func (k MethodKey) lookupKey() string {
	if k.Owner == "" {
		return k.Name + ":" + k.Desc
	}
	return k.Owner + "." + k.Name + ":" + k.Desc
}

// ParseMethodKey parses "owner.name(desc)" or "name(desc)". The owner is
// everything before the last dot preceding the descriptor.
func ParseMethodKey(sig string) (MethodKey, error) {
	paren := strings.LastIndexByte(sig, '(')
	if paren <= 0 {
		return MethodKey{}, fmt.Errorf("%w: %q has no descriptor", ErrInvalidRule, sig)
	}
	k := MethodKey{Desc: sig[paren:]}
	head := sig[:paren]
	if dot := strings.LastIndexByte(head, '.'); dot >= 0 {
		k.Owner, k.Name = head[:dot], head[dot+1:]
		if k.Owner == "" {
			return MethodKey{}, fmt.Errorf("%w: %q has an empty owner", ErrInvalidRule, sig)
		}
	} else {
		k.Name = head
	}
	if k.Name == "" {
		return MethodKey{}, fmt.Errorf("%w: %q has an empty method name", ErrInvalidRule, sig)
	}
	if _, err := classfile.ParseMethodDescriptor(k.Desc); err != nil {
		return MethodKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidRule, sig, err)
	}
	return k, nil
}
