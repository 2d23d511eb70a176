package types

import (
	"fmt"
	"strings"
)

// Well-known namespace URIs.
const (
	NamespaceEmpty = ""
	NamespaceJCR   = "http://www.jcp.org/jcr/1.0"
	NamespaceNT    = "http://www.jcp.org/jcr/nt/1.0"
	NamespaceMix   = "http://www.jcp.org/jcr/mix/1.0"
	NamespaceRep   = "internal"
)

// Name is an interned (namespace URI, local name) pair.
type Name struct {
	Space string
	Local string
}

// NewName builds a name from a namespace URI and local part.
func NewName(space, local string) Name {
	return Name{Space: space, Local: local}
}

// ParseName parses the expanded form "{uri}local". A name without braces is
// in the empty namespace.
func ParseName(s string) (Name, error) {
	if !strings.HasPrefix(s, "{") {
		if strings.ContainsAny(s, "{}") {
			return Name{}, fmt.Errorf("invalid name %q", s)
		}
		return Name{Local: s}, nil
	}
	end := strings.IndexByte(s, '}')
	if end < 0 || end == len(s)-1 {
		return Name{}, fmt.Errorf("invalid name %q", s)
	}
	return Name{Space: s[1:end], Local: s[end+1:]}, nil
}

// String returns the expanded form "{uri}local"; names in the empty
// namespace print as the bare local part.
func (n Name) String() string {
	if n.Space == "" {
		return n.Local
	}
	return "{" + n.Space + "}" + n.Local
}

// IsZero reports whether the name is the zero value.
func (n Name) IsZero() bool {
	return n.Space == "" && n.Local == ""
}

// Names synthesized from node fields; they never appear as first-class
// properties in a persisted bundle.
var (
	NamePrimaryType = Name{Space: NamespaceJCR, Local: "primaryType"}
	NameMixinTypes  = Name{Space: NamespaceJCR, Local: "mixinTypes"}
	NameUUID        = Name{Space: NamespaceJCR, Local: "uuid"}
)

// Well-known node type and structural names.
var (
	NameRoot             = Name{Space: NamespaceJCR, Local: "root"}
	NameSystem           = Name{Space: NamespaceJCR, Local: "system"}
	NameNTBase           = Name{Space: NamespaceNT, Local: "base"}
	NameNTUnstructured   = Name{Space: NamespaceNT, Local: "unstructured"}
	NameMixReferenceable = Name{Space: NamespaceMix, Local: "referenceable"}
	NameMixLockable      = Name{Space: NamespaceMix, Local: "lockable"}
	NameMixShareable     = Name{Space: NamespaceMix, Local: "shareable"}
	NameRepRoot          = Name{Space: NamespaceRep, Local: "root"}
	NameRepPolicy        = Name{Space: NamespaceRep, Local: "policy"}
)
