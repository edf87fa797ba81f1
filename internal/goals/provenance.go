package goals

import "encoding/json"

// Provenance records why an activity is visible at a node. The only
// implementations are Direct and Inherited.
type Provenance interface {
	provenance()
}

// Direct marks an activity associated with the queried node itself.
type Direct struct{}

// Inherited marks an activity visible only through a descendant association.
type Inherited struct {
	SourceNodeID   string
	SourceNodeName string
}

func (Direct) provenance()    {}
func (Inherited) provenance() {}

// VisibleActivity is an activity definition resolved at a node together with
// its provenance.
type VisibleActivity struct {
	Activity   ActivityDefinition
	Provenance Provenance
}

// IsDirect reports whether the activity is directly associated with the queried node.
func (v VisibleActivity) IsDirect() bool {
	_, ok := v.Provenance.(Direct)
	return ok
}

type provenanceJSON struct {
	Kind           string `json:"kind"`
	SourceNodeID   string `json:"source_node_id,omitempty"`
	SourceNodeName string `json:"source_node_name,omitempty"`
}

// MarshalProvenance renders a provenance value as its tagged JSON form.
func MarshalProvenance(p Provenance) ([]byte, error) {
	switch v := p.(type) {
	case Direct:
		return json.Marshal(provenanceJSON{Kind: "direct"})
	case Inherited:
		return json.Marshal(provenanceJSON{Kind: "inherited", SourceNodeID: v.SourceNodeID, SourceNodeName: v.SourceNodeName})
	default:
		return json.Marshal(nil)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Direct) MarshalJSON() ([]byte, error) { return MarshalProvenance(d) }

// MarshalJSON implements json.Marshaler.
func (i Inherited) MarshalJSON() ([]byte, error) { return MarshalProvenance(i) }
