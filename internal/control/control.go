// Package control implements the LDAP control registry:
// an OID-to-applicable-operation bitmap table, the decode/encode
// contract around it (the BER codec itself is out of scope), and the
// out-of-the-box OID table.
package control

import (
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
)

// Op is a bitmask of LDAP operation kinds a control may apply to.
type Op uint16

const (
	OpBind Op = 1 << iota
	OpSearch
	OpCompare
	OpAdd
	OpDelete
	OpModify
	OpModDN
	OpUnbind
	OpExtended

	OpAll = OpBind | OpSearch | OpCompare | OpAdd | OpDelete | OpModify | OpModDN | OpUnbind | OpExtended
	OpNone Op = 0
	OpAllWrite = OpAdd | OpDelete | OpModify | OpModDN
)

// Well-known OIDs registered out of the box.
const (
	OIDManageDsaIT     = "2.16.840.1.113730.3.4.2"
	OIDPersistentSearch = "2.16.840.1.113730.3.4.3"
	OIDPwExpired       = "2.16.840.1.113730.3.4.4"
	OIDPwExpiring      = "2.16.840.1.113730.3.4.5"
	OIDSortRequest     = "1.2.840.113556.1.4.473"
	OIDVLVRequest      = "2.16.840.1.113730.3.4.9"
	OIDAuthRequest     = "2.16.840.1.113730.3.4.16"
	OIDAuthResponse    = "2.16.840.1.113730.3.4.15"
	OIDRealAttrsOnly   = "2.16.840.1.113730.3.4.17"
	OIDVirtAttrsOnly   = "2.16.840.1.113730.3.4.19"
	OIDPwPolicyRequest = "1.3.6.1.4.1.42.2.27.8.5.1"
	OIDGetEffectiveRights = "1.3.6.1.4.1.42.2.27.9.5.2"
	OIDProxiedAuthV2   = "2.16.840.1.113730.3.4.18"
)

// Control is a decoded LDAP control: OID, criticality, and an opaque
// value. The BER SEQUENCE { oid, criticality DEFAULT FALSE, value
// OPTIONAL } wire encoding is out of scope; callers hand in
// or read out an already-decoded Control.
type Control struct {
	OID         string
	Criticality bool
	Value       []byte
}

// Registry maps OIDs to the operations they apply to.
type Registry struct {
	byOID map[string]Op
}

// NewRegistry constructs a registry pre-populated with the
// out-of-the-box OID table.
func NewRegistry() *Registry {
	r := &Registry{byOID: make(map[string]Op)}
	r.Register(OIDManageDsaIT, OpSearch|OpCompare|OpAdd|OpDelete|OpModify|OpModDN)
	r.Register(OIDPersistentSearch, OpSearch)
	r.Register(OIDPwExpired, OpNone)
	r.Register(OIDPwExpiring, OpNone)
	r.Register(OIDSortRequest, OpSearch)
	r.Register(OIDVLVRequest, OpSearch)
	r.Register(OIDAuthRequest, OpBind)
	r.Register(OIDAuthResponse, OpNone)
	r.Register(OIDRealAttrsOnly, OpSearch)
	r.Register(OIDVirtAttrsOnly, OpSearch)
	r.Register(OIDPwPolicyRequest, OpAllWrite|OpSearch|OpCompare)
	r.Register(OIDGetEffectiveRights, OpSearch)
	r.Register(OIDProxiedAuthV2, OpAll)
	return r
}

// Register installs or replaces the applicable-op bitmap for oid.
func (r *Registry) Register(oid string, ops Op) {
	r.byOID[oid] = ops
}

// Lookup returns the applicable-op bitmap registered for oid.
func (r *Registry) Lookup(oid string) (Op, bool) {
	ops, ok := r.byOID[oid]
	return ops, ok
}

// Present returns the first control in controls whose OID matches oid.
func Present(controls []Control, oid string) (*Control, bool) {
	for i := range controls {
		if controls[i].OID == oid {
			return &controls[i], true
		}
	}
	return nil, false
}

// Validate checks already-decoded controls against op: any critical
// control whose OID is unregistered, or registered but with op's bit
// clear, yields UnavailableCriticalExtension. For OpUnbind, criticality
// is always ignored.
func (r *Registry) Validate(controls []Control, op Op) error {
	if op == OpUnbind {
		return nil
	}
	for _, c := range controls {
		if !c.Criticality {
			continue
		}
		applicable, ok := r.Lookup(c.OID)
		if !ok || applicable&op == 0 {
			return ldaperr.New("UnavailableCriticalExtension", ldaperr.UnavailableCriticalExtension,
				"critical control %s is not supported for this operation", c.OID)
		}
	}
	return nil
}

// Convenience reports the managedsait/pwpolicy booleans a caller
// should set on the pblock after a successful Validate
// "set convenience keys... based on OID presence").
func Convenience(controls []Control) (manageDsaIT, pwPolicy bool) {
	_, manageDsaIT = Present(controls, OIDManageDsaIT)
	_, pwPolicy = Present(controls, OIDPwPolicyRequest)
	return
}

// EncodeOrder returns controls in a stable order for write_controls;
// actual BER SEQUENCE OF Control emission (omitting criticality when
// FALSE) is the wire layer's responsibility and out of scope here.
func EncodeOrder(controls []Control) []Control {
	out := make([]Control, len(controls))
	copy(out, controls)
	return out
}
