// Package settlement drives out-of-band value transfer for peer
// accounts. The Engine is the chain-agnostic port to the underlying
// value-transfer system (a Lightning daemon, an XRP payment channel);
// the Controller decides when and how much to settle.
package settlement

import (
	"context"
	"encoding/json"
)

// Artifact is an engine-specific payment request issued by the payee:
// a Lightning invoice, a channel claim, etc. Destination carries the
// decoded payee identity so the payer can validate who it is about to
// pay.
type Artifact struct {
	ID          string `json:"id"`
	Payload     []byte `json:"payload"`
	Destination string `json:"destination"`
}

// Result reports a completed payment. AmountPaid below the requested
// amount is treated as full failure by the controller.
type Result struct {
	Proof      []byte
	AmountPaid uint64
}

// Credit is an incoming settlement observed by the local engine,
// tagged with the artifact it pays.
type Credit struct {
	ArtifactID string
	Amount     uint64
}

// Engine is the capability set of a settlement backend.
type Engine interface {
	// Identity names this engine instance on its value-transfer
	// network (node pubkey, channel address, ...).
	Identity() string

	// IssueArtifact creates a payment request the remote peer can pay.
	IssueArtifact(ctx context.Context, amount uint64) (*Artifact, error)

	// Pay settles amount against the artifact. Callers must serialize
	// Pay per account; the controller guarantees at most one
	// outstanding call.
	Pay(ctx context.Context, artifact *Artifact, amount uint64) (*Result, error)

	// Notifications streams credits as the engine observes incoming
	// settlements.
	Notifications() <-chan Credit

	Close() error
}

// Peering is exchanged over the peeringRequest/peeringResponse
// sub-protocols when two connectors introduce their engines.
type Peering struct {
	EngineIdentity string `json:"engineIdentity"`
	EngineEndpoint string `json:"engineEndpoint"`
}

// InvoiceRequest asks the peer to issue an artifact for amount.
type InvoiceRequest struct {
	Amount uint64 `json:"amount"`
}

// InvoiceResponse returns the issued artifact.
type InvoiceResponse struct {
	Artifact Artifact `json:"artifact"`
}

func EncodePeering(p *Peering) []byte {
	raw, _ := json.Marshal(p)
	return raw
}

func DecodePeering(b []byte) (*Peering, error) {
	var p Peering
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
